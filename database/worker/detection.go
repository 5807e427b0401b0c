package worker

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Detection is one rule match, attached to the analyzed transaction it was
// found in.
type Detection struct {
	GUID        uuid.UUID      `gorm:"primaryKey" json:"guid"`
	TxGUID      uuid.UUID      `gorm:"column:tx_guid" db:"tx_guid" json:"tx_guid"`
	TxHash      common.Hash    `gorm:"column:tx_hash;serializer:bytes" db:"tx_hash" json:"tx_hash"`
	BlockNumber *big.Int       `gorm:"serializer:u256;column:block_number" db:"block_number" json:"block_number"`
	Contract    common.Address `gorm:"column:contract;serializer:bytes" db:"contract" json:"contract"`
	Description string         `gorm:"column:description" db:"description" json:"description"`
	Condition   string         `gorm:"column:condition" db:"condition" json:"condition"`
	Timestamp   uint64         `gorm:"column:timestamp" db:"timestamp" json:"timestamp"`
}

func (Detection) TableName() string {
	return "detections"
}

type DetectionView interface {
	QueryDetectionsByTx(hash common.Hash) ([]Detection, error)
	QueryDetectionsByContract(contract common.Address) ([]Detection, error)
}

type DetectionDB interface {
	DetectionView

	StoreDetections([]Detection) error
}

type detectionDB struct {
	gorm *gorm.DB
}

func NewDetectionDB(db *gorm.DB) DetectionDB {
	return &detectionDB{gorm: db}
}

func (d *detectionDB) QueryDetectionsByTx(hash common.Hash) ([]Detection, error) {
	var detections []Detection
	err := d.gorm.Table("detections").
		Where("tx_hash = ?", strings.ToLower(hash.Hex())).
		Find(&detections).
		Error
	if err != nil {
		return nil, err
	}
	return detections, nil
}

func (d *detectionDB) QueryDetectionsByContract(contract common.Address) ([]Detection, error) {
	var detections []Detection
	err := d.gorm.Table("detections").
		Where("contract = ?", strings.ToLower(contract.Hex())).
		Order("block_number ASC").
		Find(&detections).
		Error
	if err != nil {
		return nil, err
	}
	return detections, nil
}

func (d *detectionDB) StoreDetections(detections []Detection) error {
	if len(detections) == 0 {
		return nil
	}
	return d.gorm.Table("detections").CreateInBatches(&detections, len(detections)).Error
}
