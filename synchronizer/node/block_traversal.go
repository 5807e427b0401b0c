package node

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/DQYXACML/tracescan/common/bigint"
)

var (
	ErrTraversalAheadOfNode = errors.New("block traversal is ahead of the node")
	ErrTraversalReorged     = errors.New("node chain no longer extends the traversed block")
)

// BlockTraversal walks the confirmed part of the chain in order and reports
// which blocks hold transactions worth tracing.
type BlockTraversal struct {
	ethClient EthClient
	chainId   uint

	confirmations *big.Int

	// head is the latest header the node reported, cursor the last
	// confirmed header walked over.
	head   *types.Header
	cursor *types.Header
}

// NewBlockTraversal resumes after from; a nil from starts at genesis.
func NewBlockTraversal(ethClient EthClient, from *types.Header, confirmations uint64, chainId uint) *BlockTraversal {
	return &BlockTraversal{
		ethClient:     ethClient,
		chainId:       chainId,
		confirmations: new(big.Int).SetUint64(confirmations),
		cursor:        from,
	}
}

func (bt *BlockTraversal) Head() *types.Header {
	return bt.head
}

func (bt *BlockTraversal) Cursor() *types.Header {
	return bt.cursor
}

// confirmedHeight is the highest block at least confirmations deep, or nil
// when the chain is still shorter than that.
func (bt *BlockTraversal) confirmedHeight() (*big.Int, error) {
	head, err := bt.ethClient.BlockHeaderByNumber(nil)
	if err != nil {
		return nil, fmt.Errorf("unable to query latest block: %w", err)
	} else if head == nil {
		return nil, errors.New("latest header unreported")
	}
	bt.head = head

	height := new(big.Int).Sub(head.Number, bt.confirmations)
	if height.Sign() < 0 {
		return nil, nil
	}
	return height, nil
}

// Next walks up to maxSize confirmed blocks past the cursor and returns the
// numbers of those carrying transactions. Blocks without transactions are
// walked over silently, so an empty result with a nil error may still have
// moved the cursor.
func (bt *BlockTraversal) Next(maxSize uint64) ([]*big.Int, error) {
	endHeight, err := bt.confirmedHeight()
	if err != nil || endHeight == nil {
		return nil, err
	}

	nextHeight := big.NewInt(0)
	if bt.cursor != nil {
		switch bt.cursor.Number.Cmp(endHeight) {
		case 0:
			return nil, nil
		case 1:
			return nil, fmt.Errorf("%w: cursor %s, confirmed %s", ErrTraversalAheadOfNode, bt.cursor.Number, endHeight)
		}
		nextHeight.Add(bt.cursor.Number, big.NewInt(1))
	}

	endHeight = bigint.Clamp(nextHeight, endHeight, maxSize)
	headers, err := bt.ethClient.BlockHeadersByRange(nextHeight, endHeight, bt.chainId)
	if err != nil {
		return nil, fmt.Errorf("error querying blocks by range: %w", err)
	}
	if len(headers) == 0 {
		return nil, nil
	}
	if bt.cursor != nil && headers[0].ParentHash != bt.cursor.Hash() {
		return nil, fmt.Errorf("%w: block %s", ErrTraversalReorged, headers[0].Number)
	}

	var blocks []*big.Int
	for i := range headers {
		if headers[i].TxHash == types.EmptyTxsHash {
			continue
		}
		blocks = append(blocks, new(big.Int).Set(headers[i].Number))
	}
	bt.cursor = &headers[len(headers)-1]
	log.Debug("walked confirmed blocks", "from", nextHeight, "to", bt.cursor.Number,
		"withTransactions", len(blocks), "head", bt.head.Number)
	return blocks, nil
}
