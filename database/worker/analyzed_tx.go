package worker

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AnalyzedTx is one transaction a session went through.
type AnalyzedTx struct {
	GUID          uuid.UUID      `gorm:"primaryKey" json:"guid"`
	Target        string         `gorm:"column:target" db:"target" json:"target"`
	Hash          common.Hash    `gorm:"column:hash;serializer:bytes" db:"hash" json:"hash"`
	BlockNumber   *big.Int       `gorm:"serializer:u256;column:block_number" db:"block_number" json:"block_number"`
	FromAddress   common.Address `gorm:"column:from_address;serializer:bytes" db:"from_address" json:"from_address"`
	ToAddress     common.Address `gorm:"column:to_address;serializer:bytes" db:"to_address" json:"to_address"`
	Value         *big.Int       `gorm:"serializer:u256;column:value" db:"value" json:"value"`
	Steps         uint64         `gorm:"column:steps" db:"steps" json:"steps"`
	Detections    uint64         `gorm:"column:detections" db:"detections" json:"detections"`
	ExecutionTime float64        `gorm:"column:execution_time" db:"execution_time" json:"execution_time"`
	Timestamp     uint64         `gorm:"column:timestamp" db:"timestamp" json:"timestamp"`
}

func (AnalyzedTx) TableName() string {
	return "analyzed_txs"
}

type AnalyzedTxView interface {
	QueryAnalyzedTx(hash common.Hash) (*AnalyzedTx, error)
	QueryAnalyzedTxsByTarget(target string) ([]AnalyzedTx, error)
}

type AnalyzedTxDB interface {
	AnalyzedTxView

	StoreAnalyzedTxs([]AnalyzedTx) error
}

type analyzedTxDB struct {
	gorm *gorm.DB
}

func NewAnalyzedTxDB(db *gorm.DB) AnalyzedTxDB {
	return &analyzedTxDB{gorm: db}
}

func (a *analyzedTxDB) QueryAnalyzedTx(hash common.Hash) (*AnalyzedTx, error) {
	var tx AnalyzedTx
	err := a.gorm.Table("analyzed_txs").
		Where("hash = ?", strings.ToLower(hash.Hex())).
		Order("timestamp DESC").
		Take(&tx).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tx, nil
}

func (a *analyzedTxDB) QueryAnalyzedTxsByTarget(target string) ([]AnalyzedTx, error) {
	var txs []AnalyzedTx
	err := a.gorm.Table("analyzed_txs").
		Where("target = ?", target).
		Find(&txs).
		Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (a *analyzedTxDB) StoreAnalyzedTxs(txs []AnalyzedTx) error {
	if len(txs) == 0 {
		return nil
	}
	return a.gorm.Table("analyzed_txs").CreateInBatches(&txs, len(txs)).Error
}
