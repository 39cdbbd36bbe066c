package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var erc20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferredTo sums the ERC-20 Transfer events of token in receipt whose
// recipient is to. The result is zero when no matching log exists.
func TransferredTo(receipt *types.Receipt, token, to common.Address) *big.Int {
	total := new(big.Int)
	if receipt == nil {
		return total
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != token {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != erc20TransferTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != to {
			continue
		}
		if len(lg.Data) < 32 {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data[:32]))
	}
	return total
}

// Succeeded reports whether receipt records a successful execution.
func Succeeded(receipt *types.Receipt) bool {
	return receipt != nil && receipt.Status == types.ReceiptStatusSuccessful
}
