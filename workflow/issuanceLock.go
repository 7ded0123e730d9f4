package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireBatchIssuanceLock serializes issuance per batch across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB transaction that
// performs the issuance. MySQL releases the lock if the connection dies, so a crashed holder never
// wedges the batch.
func AcquireBatchIssuanceLock(tx *gorm.DB, batchId int) error {
	lockName := fmt.Sprintf("batch_issuance:%d", batchId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire issuance lock for batch_id=%d", batchId)
	}
	return nil
}

func ReleaseBatchIssuanceLock(tx *gorm.DB, batchId int) {
	lockName := fmt.Sprintf("batch_issuance:%d", batchId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
