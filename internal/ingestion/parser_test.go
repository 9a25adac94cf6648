package ingestion_test

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/ingestion"
	"ConfidentialPerp/internal/oracle"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	keeper = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

func rawFromJSON(t *testing.T, command string, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "cperp.commands." + command,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "dep-1",
		"caller":     alice.Hex(),
		"amount":     map[string]string{"blob": "0x0102", "proof": "0xaabb"},
	}

	cmd, err := ingestion.ParseRawCommand(rawFromJSON(t, "deposit", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cmd.Type != core.CommandDeposit {
		t.Errorf("type: got %s, want deposit", cmd.Type)
	}
	if cmd.RequestID != "dep-1" || cmd.Caller != alice {
		t.Errorf("request/caller: got %s / %s", cmd.RequestID, cmd.Caller.Hex())
	}
	if len(cmd.Amount.Blob) != 2 || cmd.Amount.Blob[1] != 0x02 || cmd.Amount.Proof[0] != 0xaa {
		t.Errorf("amount: got %+v", cmd.Amount)
	}
}

func TestParseOpenPosition_OptionalBrackets(t *testing.T) {
	payload := map[string]interface{}{
		"caller":    alice.Hex(),
		"size":      map[string]string{"blob": "0x01", "proof": "0x02"},
		"leverage":  5,
		"is_long":   true,
		"stop_loss": map[string]string{"blob": "0x03", "proof": "0x04"},
	}

	cmd, err := ingestion.ParseRawCommand(rawFromJSON(t, "open_position", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Leverage != 5 || !cmd.IsLong {
		t.Errorf("leverage/direction: %d %v", cmd.Leverage, cmd.IsLong)
	}
	if cmd.StopLoss.Empty() {
		t.Error("stop loss dropped")
	}
	if !cmd.TakeProfit.Empty() {
		t.Error("absent take profit should be an empty ciphertext")
	}
}

func TestParseAttestedCommands(t *testing.T) {
	id := common.HexToHash("0x01")
	att := &oracle.Attestation{
		Kind:      oracle.KindLiquidation,
		Subject:   id,
		Handle:    confidential.Handle{0x42},
		Result:    true,
		Signature: []byte{1, 2, 3},
	}

	cmd, err := ingestion.ParseRawCommand(rawFromJSON(t, "attempt_liquidate", map[string]interface{}{
		"caller":      keeper.Hex(),
		"position_id": id.Hex(),
		"attestation": att,
	}))
	if err != nil {
		t.Fatalf("parse liquidate: %v", err)
	}
	if cmd.PositionID != id || cmd.Attestation == nil {
		t.Fatalf("command: %+v", cmd)
	}
	if cmd.Attestation.Kind != oracle.KindLiquidation || cmd.Attestation.Handle != att.Handle || !cmd.Attestation.Result {
		t.Errorf("attestation: %+v", cmd.Attestation)
	}

	// Settlement needs no caller
	att.Kind = oracle.KindMatch
	cmd, err = ingestion.ParseRawCommand(rawFromJSON(t, "settle_match", map[string]interface{}{
		"match_id":    0,
		"attestation": att,
	}))
	if err != nil {
		t.Fatalf("parse settle: %v", err)
	}
	if cmd.Type != core.CommandSettleMatch || cmd.MatchID != 0 {
		t.Errorf("settle: %+v", cmd)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		command string
		payload interface{}
	}{
		{"unknown command", "mint", map[string]interface{}{"caller": alice.Hex()}},
		{"missing caller", "deposit", map[string]interface{}{"amount": map[string]string{"blob": "0x01", "proof": "0x01"}}},
		{"missing amount", "deposit", map[string]interface{}{"caller": alice.Hex()}},
		{"missing leverage", "open_position", map[string]interface{}{
			"caller": alice.Hex(),
			"size":   map[string]string{"blob": "0x01", "proof": "0x01"},
		}},
		{"missing position", "close_position", map[string]interface{}{"caller": alice.Hex()}},
		{"missing attestation", "attempt_liquidate", map[string]interface{}{
			"caller":      keeper.Hex(),
			"position_id": common.HexToHash("0x01").Hex(),
		}},
		{"missing withdrawal id", "confirm_withdrawal", map[string]interface{}{}},
		{"negative price sequence", "set_oracle_price", map[string]interface{}{
			"caller":         alice.Hex(),
			"price":          map[string]string{"blob": "0x01", "proof": "0x01"},
			"price_sequence": -1,
		}},
		{"bad hex", "deposit", map[string]interface{}{
			"caller": alice.Hex(),
			"amount": map[string]string{"blob": "zz", "proof": "0x01"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseRawCommand(rawFromJSON(t, tc.command, tc.payload))
			if !errors.Is(err, ingestion.ErrInvalidCommand) {
				t.Errorf("expected ErrInvalidCommand, got %v", err)
			}
		})
	}
}

func TestParseRejectsNonJSON(t *testing.T) {
	raw := ingestion.RawCommand{Subject: "cperp.commands.deposit", Data: []byte("not json")}
	if _, err := ingestion.ParseRawCommand(raw); !errors.Is(err, ingestion.ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestCiphertextJSON_EmptyIsOmitted(t *testing.T) {
	if ingestion.NewCiphertextJSON(confidential.Ciphertext{}) != nil {
		t.Error("empty ciphertext should encode as absent")
	}
	ct := confidential.Ciphertext{Blob: []byte{1}, Proof: []byte{2}}
	if w := ingestion.NewCiphertextJSON(ct); w == nil || w.Blob[0] != 1 || w.Proof[0] != 2 {
		t.Errorf("wrapped = %+v", w)
	}
}
