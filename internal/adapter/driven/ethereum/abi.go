package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ledgerABI is the subset of the escrow contract the reader consumes.
const ledgerABI = `[
  {"type":"function","name":"taskCounter","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tasks","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
     {"name":"taskId","type":"uint256"},
     {"name":"creator","type":"address"},
     {"name":"helper","type":"address"},
     {"name":"reward","type":"uint256"},
     {"name":"taskURI","type":"string"},
     {"name":"status","type":"uint8"},
     {"name":"createdAt","type":"uint256"},
     {"name":"acceptedAt","type":"uint256"},
     {"name":"submittedAt","type":"uint256"},
     {"name":"terminateRequestedBy","type":"address"},
     {"name":"terminateRequestedAt","type":"uint256"},
     {"name":"fixRequested","type":"bool"},
     {"name":"fixRequestedAt","type":"uint256"}
   ]},
  {"type":"event","name":"TaskCreated","anonymous":false,"inputs":[
     {"name":"taskId","type":"uint256","indexed":true},
     {"name":"creator","type":"address","indexed":true},
     {"name":"taskURI","type":"string","indexed":false}]},
  {"type":"event","name":"TaskAccepted","anonymous":false,"inputs":[
     {"name":"taskId","type":"uint256","indexed":true},
     {"name":"helper","type":"address","indexed":true}]}
]`

// Contract method and event names.
const (
	methodRecordCount = "taskCounter"
	methodReadRecord  = "tasks"
	eventCreated      = "TaskCreated"
	eventAccepted     = "TaskAccepted"
)

var contractABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ledgerABI))
	if err != nil {
		panic(fmt.Sprintf("parse ledger abi: %v", err))
	}
	return parsed
}

// taskTuple mirrors the outputs of tasks(uint256). Field names follow the
// ABI output names so abi.UnpackIntoInterface can fill it.
type taskTuple struct {
	TaskId               *big.Int //nolint:revive // Matches the ABI output name.
	Creator              common.Address
	Helper               common.Address
	Reward               *big.Int
	TaskURI              string
	Status               uint8
	CreatedAt            *big.Int
	AcceptedAt           *big.Int
	SubmittedAt          *big.Int
	TerminateRequestedBy common.Address
	TerminateRequestedAt *big.Int
	FixRequested         bool
	FixRequestedAt       *big.Int
}
