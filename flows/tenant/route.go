package tenant

import (
	"fmt"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/engine"
)

// Route leaves the code step once its lookup has completed. A reservation
// that already passed the code checks resumes at kyc; one that is fully
// verified lands on complete with nothing left to do. Anything else moves
// to contact.
func Route(eng *engine.Engine, instanceID string) (stepflow.Snapshot, error) {
	inst, err := eng.Instance(instanceID)
	if err != nil {
		return stepflow.Snapshot{}, err
	}
	snap := inst.Snapshot()
	if snap.CurrentStep != StepCode {
		return snap, fmt.Errorf("%w: route applies to the %s step, instance is on %s",
			stepflow.ErrInvalidTransition, StepCode, snap.CurrentStep)
	}
	if snap.StepStatus[StepCode] != stepflow.StepStatusCompleted {
		return snap, fmt.Errorf("%w: reservation lookup has not completed", stepflow.ErrInvalidTransition)
	}

	var done []stepflow.StepID
	var target stepflow.StepID
	switch ReservationStatus(inst.View().String(FieldReservationStatus)) {
	case ReservationVerified:
		done = []stepflow.StepID{StepCode, StepContact, StepOTPEmail, StepOTPSMS, StepKYC, StepBank}
		target = StepComplete
	case ReservationOTPDone:
		done = []stepflow.StepID{StepCode, StepContact, StepOTPEmail, StepOTPSMS}
		target = StepKYC
	default:
		return eng.Move(instanceID, stepflow.Transition{Direction: stepflow.DirectionNext})
	}

	if err := inst.MarkCompleted(done...); err != nil {
		return snap, err
	}
	return eng.Move(instanceID, stepflow.Transition{Direction: stepflow.DirectionJump, Target: target})
}

// AlreadyVerified reports whether the snapshot belongs to a reservation that
// was verified in an earlier session. Such instances are not submitted.
func AlreadyVerified(snap stepflow.Snapshot) bool {
	s, _ := snap.Fields[FieldReservationStatus].(string)
	return ReservationStatus(s) == ReservationVerified
}
