// Package session keeps the per-user conversation state of the bot in memory.
package session

import (
	"maps"
	"time"

	"retouchbot/internal/models"
)

// Step is where a user currently is in the retouch flow
type Step int

const (
	StepIdle Step = iota
	StepProcessing
	StepAccessorySelection
	StepWatermarkSelection
	StepAwaitingCustomWatermark
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepProcessing:
		return "processing"
	case StepAccessorySelection:
		return "accessory_selection"
	case StepWatermarkSelection:
		return "watermark_selection"
	case StepAwaitingCustomWatermark:
		return "awaiting_custom_watermark"
	default:
		return "unknown"
	}
}

// Session is the transient conversation state of one user.
// A zero Session is an idle user with nothing on screen.
type Session struct {
	Step Step
	// Flow changes whenever a new job starts; buttons carry it so taps on
	// keyboards from an older job can be told apart.
	Flow uint32

	ActiveJobID   string
	ActiveJobKind models.GenerationKind
	// PendingWatermarkUploadFor is the job a custom watermark upload belongs to
	PendingWatermarkUploadFor string
	AccessoriesApplied        bool

	LastVialSelectionMessageID     int
	LastCategorySelectionMessageID int
	LastPaymentMessageID           int
	// CapNoticeMessageID is the "selection is full" message; non-zero means
	// the notice was already sent for the current full selection.
	CapNoticeMessageID int

	ProgressMessageByJob map[string]int
	AwaitingPromoCode    bool

	TouchedAt time.Time
}

func (s Session) clone() Session {
	s.ProgressMessageByJob = maps.Clone(s.ProgressMessageByJob)
	return s
}

// Field names a group of transient session values that Clear resets
type Field int

const (
	// FieldJob resets the active job, its kind, pending watermark upload,
	// the accessory flag and returns the user to StepIdle.
	FieldJob Field = iota
	FieldVialSelectionMessage
	FieldCategorySelectionMessage
	FieldPaymentMessage
	FieldCapNotice
	FieldAwaitingPromoCode
)

func (s *Session) reset(f Field) {
	switch f {
	case FieldJob:
		if s.ActiveJobID != "" {
			delete(s.ProgressMessageByJob, s.ActiveJobID)
		}
		s.Step = StepIdle
		s.ActiveJobID = ""
		s.ActiveJobKind = models.GenerationKind{}
		s.PendingWatermarkUploadFor = ""
		s.AccessoriesApplied = false
	case FieldVialSelectionMessage:
		s.LastVialSelectionMessageID = 0
	case FieldCategorySelectionMessage:
		s.LastCategorySelectionMessageID = 0
	case FieldPaymentMessage:
		s.LastPaymentMessageID = 0
	case FieldCapNotice:
		s.CapNoticeMessageID = 0
	case FieldAwaitingPromoCode:
		s.AwaitingPromoCode = false
	}
}
