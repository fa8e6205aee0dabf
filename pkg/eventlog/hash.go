package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("event log closed")

// ErrNotFound is returned when a sequence number is absent.
var ErrNotFound = errors.New("event not found")

// ErrChainBroken reports the first divergent link found by VerifyChain.
var ErrChainBroken = errors.New("event hash chain broken")

// chainHash digests the JCS canonical form of the event (minus its own
// hash) together with the previous head.
func chainHash(e Event, prev string) (string, error) {
	input := struct {
		ID          string         `json:"id"`
		Seq         uint64         `json:"seq"`
		TS          string         `json:"ts"`
		Type        EventType      `json:"type"`
		PrincipalID string         `json:"principal_id"`
		Data        map[string]any `json:"data"`
		Prev        string         `json:"prev"`
	}{e.ID, e.Seq, e.TS.Format(timeLayout), e.Type, e.PrincipalID, e.Data, prev}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// VerifyChain recomputes the hash chain over events (which must be a
// contiguous ascending sequence starting at any point with prev as the hash
// preceding the first event; pass GenesisHash for a full log). It returns
// the sequence number of the first broken link, or 0 when intact.
func VerifyChain(events []Event, prev string) (uint64, error) {
	for i, e := range events {
		if i > 0 && e.Seq != events[i-1].Seq+1 {
			return e.Seq, fmt.Errorf("seq gap %d->%d: %w", events[i-1].Seq, e.Seq, ErrChainBroken)
		}
		want, err := chainHash(e, prev)
		if err != nil {
			return e.Seq, err
		}
		if want != e.Hash {
			return e.Seq, fmt.Errorf("seq %d hash mismatch: %w", e.Seq, ErrChainBroken)
		}
		prev = e.Hash
	}
	return 0, nil
}

// GenesisHash is the chain head before any event.
func GenesisHash() string { return genesisHash }
