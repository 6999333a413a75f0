package httphandler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

var errInvalidSignature = errors.New("invalid signature")

// signedRecordPattern finds the record id named in a key release message.
var signedRecordPattern = regexp.MustCompile(`(?i)\brecord(?:\s*id)?[:\s]+(\d+)\b`)

// KeyReleaseMessage is the message a party signs to fetch its wrapped key
// for recordID.
func KeyReleaseMessage(recordID uint64) string {
	return fmt.Sprintf("ledgerkeys: decrypt for record %d", recordID)
}

// ProfileMessage is the exact message an address signs to register
// encryptionPubKey as its own.
func ProfileMessage(address, encryptionPubKey string) string {
	return fmt.Sprintf("ledgerkeys: register encryption key %s for %s",
		strings.ToLower(encryptionPubKey), strings.ToLower(address))
}

// recoverSigner returns the address whose key produced sig over message
// under the personal_sign scheme. Wallet recovery ids (27/28) and raw ones
// (0/1) are both accepted.
func recoverSigner(message, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil || len(raw) != crypto.SignatureLength {
		return common.Address{}, errInvalidSignature
	}
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), raw)
	if err != nil {
		return common.Address{}, errInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// verifySigner fails with errInvalidSignature unless address signed message.
func verifySigner(message, sig, address string) error {
	signer, err := recoverSigner(message, sig)
	if err != nil {
		return err
	}
	if !model.SameAddress(signer.Hex(), address) {
		return errInvalidSignature
	}
	return nil
}

// signedRecordID extracts the record id a signed message names.
func signedRecordID(message string) (uint64, bool) {
	m := signedRecordPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
