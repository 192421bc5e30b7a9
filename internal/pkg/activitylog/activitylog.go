package activitylog

import (
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/MarlonHaas/BidHive/app/models"
)

// Emitter writes activity log rows for billing state transitions. Emission is
// fire-and-forget: a failed write is logged and swallowed so it can never
// fail the billing operation that triggered it. A nil Emitter is a no-op.
type Emitter struct {
	db *gorm.DB
}

// NewEmitter creates an activity log emitter.
func NewEmitter(db *gorm.DB) *Emitter {
	return &Emitter{db: db}
}

// Emit records an activity asynchronously.
func (e *Emitter) Emit(userID uint, action, detail, referenceID string) {
	if e == nil || e.db == nil {
		return
	}
	entry := models.ActivityLog{
		UserID:      userID,
		Action:      action,
		Detail:      detail,
		ReferenceID: referenceID,
	}
	go func() {
		if err := e.db.Create(&entry).Error; err != nil {
			log.Errorf("[ActivityLog] write failed for user %d action %s: %v", userID, action, err)
		}
	}()
}
