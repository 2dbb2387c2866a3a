package watcher

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"vaultBridge/internal/contracts"
)

var vaultAddr = common.HexToAddress("0x000000000000000000000000000000000000b001")

type fakeSource struct {
	latest   uint64
	logs     []types.Log
	failures int
	queries  [][2]uint64
}

func (f *fakeSource) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeSource) FilterLogs(ctx context.Context, from, to uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("rpc unavailable")
	}
	f.queries = append(f.queries, [2]uint64{from, to})
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func thresholdLog(t *testing.T, block uint64, deployable int64) types.Log {
	t.Helper()
	parsed, err := contracts.VaultABI()
	if err != nil {
		t.Fatalf("vault abi: %v", err)
	}
	event := parsed.Events["ThresholdReached"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(deployable), big.NewInt(deployable))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address:     vaultAddr,
		Topics:      []common.Hash{event.ID},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
	}
}

func newTestWatcher(t *testing.T, src *fakeSource, path string, got *[]contracts.ThresholdReachedEvent) *Watcher {
	t.Helper()
	w, err := New(Config{
		Contract:       vaultAddr,
		FromBlock:      10,
		Confirmations:  2,
		BatchSize:      5,
		CheckpointPath: path,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
	}, src, func(ctx context.Context, e contracts.ThresholdReachedEvent) {
		*got = append(*got, e)
	}, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	return w
}

func TestScanDeliversConfirmedEvents(t *testing.T) {
	src := &fakeSource{latest: 24}
	src.logs = []types.Log{thresholdLog(t, 12, 100), thresholdLog(t, 23, 200)}

	var got []contracts.ThresholdReachedEvent
	w := newTestWatcher(t, src, "", &got)
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 confirmed event, got %d", len(got))
	}
	if got[0].Deployable.Int64() != 100 || got[0].BlockNumber != 12 {
		t.Fatalf("unexpected event: %+v", got[0])
	}
	want := [][2]uint64{{10, 14}, {15, 19}, {20, 22}}
	if len(src.queries) != len(want) {
		t.Fatalf("queries mismatch: %v", src.queries)
	}
	for i := range want {
		if src.queries[i] != want[i] {
			t.Fatalf("query %d: got %v want %v", i, src.queries[i], want[i])
		}
	}

	src.latest = 30
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(got) != 2 || got[1].Deployable.Int64() != 200 {
		t.Fatalf("expected second event after head advanced, got %+v", got)
	}
}

func TestScanResumesFromCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watcher.json")
	src := &fakeSource{latest: 20}
	src.logs = []types.Log{thresholdLog(t, 11, 5)}

	var got []contracts.ThresholdReachedEvent
	if err := newTestWatcher(t, src, path, &got).Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	restarted := newTestWatcher(t, src, path, &got)
	if err := restarted.Scan(context.Background()); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("event delivered %d times across restart", len(got))
	}

	cp, ok, err := NewCheckpointStore(path, vaultAddr.Hex()).Load()
	if err != nil || !ok {
		t.Fatalf("load checkpoint: ok=%v err=%v", ok, err)
	}
	if cp.LastProcessedBlock != 18 {
		t.Fatalf("checkpoint at %d, want 18", cp.LastProcessedBlock)
	}

	other, ok, err := NewCheckpointStore(path, "0x0000000000000000000000000000000000000001").Load()
	if err != nil {
		t.Fatalf("load foreign checkpoint: %v", err)
	}
	if ok {
		t.Fatalf("checkpoint of another contract was used: %+v", other)
	}
}

func TestScanRetriesFilterErrors(t *testing.T) {
	src := &fakeSource{latest: 14, failures: 2}
	src.logs = []types.Log{thresholdLog(t, 10, 1)}

	var got []contracts.ThresholdReachedEvent
	if err := newTestWatcher(t, src, "", &got).Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected event after retries, got %d", len(got))
	}

	src = &fakeSource{latest: 14, failures: 5}
	got = nil
	if err := newTestWatcher(t, src, "", &got).Scan(context.Background()); err == nil {
		t.Fatalf("expected error after retries are exhausted")
	}
}

func TestScanDedupesWithinBatchAndForgetsAfterCheckpoint(t *testing.T) {
	src := &fakeSource{latest: 40}
	dup := thresholdLog(t, 12, 7)
	src.logs = []types.Log{dup, dup, thresholdLog(t, 16, 8)}

	var got []contracts.ThresholdReachedEvent
	w := newTestWatcher(t, src, "", &got)
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if len(w.seen) != 0 {
		t.Fatalf("seen set kept %d entries after checkpoint", len(w.seen))
	}

	for head := uint64(45); head <= 80; head += 5 {
		src.logs = append(src.logs, thresholdLog(t, head-3, int64(head)))
		src.latest = head
		if err := w.Scan(context.Background()); err != nil {
			t.Fatalf("scan at %d: %v", head, err)
		}
		if len(w.seen) != 0 {
			t.Fatalf("seen set grew to %d at head %d", len(w.seen), head)
		}
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(got))
	}
}

func TestScanBeforeConfirmationDepth(t *testing.T) {
	src := &fakeSource{latest: 1}
	var got []contracts.ThresholdReachedEvent
	if err := newTestWatcher(t, src, "", &got).Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(src.queries) != 0 {
		t.Fatalf("expected no queries, got %v", src.queries)
	}
}
