package models

import (
	"fmt"
	"time"
)

// DeliveryState is what the pipeline owes a device this cycle: Idle,
// PendingManualUpload or PendingScheduled. It is derived from registry data
// on every cycle and never stored.
type DeliveryState interface {
	fmt.Stringer
	isDeliveryState()
}

// Idle means nothing is queued for the device.
type Idle struct{}

// PendingManualUpload means an operator queued media through the device
// record's photo/video fields and set the changed flag.
type PendingManualUpload struct {
	Photo string
	Video string
}

// PendingScheduled means a schedule entry fired.
type PendingScheduled struct {
	Entry   Schedule
	Trigger time.Time
}

func (Idle) isDeliveryState()                {}
func (PendingManualUpload) isDeliveryState() {}
func (PendingScheduled) isDeliveryState()    {}

func (Idle) String() string { return "idle" }

func (PendingManualUpload) String() string { return "pending-manual" }

func (p PendingScheduled) String() string {
	switch p.Entry.(type) {
	case *FixedSchedule:
		return "pending-fixed"
	case *WeeklySchedule:
		return "pending-weekly"
	default:
		return "pending-scheduled"
	}
}
