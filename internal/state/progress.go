package state

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

const progressPrefix = "progress:"

// ProgressRecord marks an in-flight unwind so an operator can see what is
// still open after a crash.
type ProgressRecord struct {
	Account     string  `json:"account"`
	Instrument  string  `json:"instrument"`
	Kind        string  `json:"op"`
	Remaining   float64 `json:"size"`
	USDTRelease float64 `json:"usdt_release"`
	StartedAtMS int64   `json:"started_at_ms"`
	UpdatedAtMS int64   `json:"updated_at_ms"`
}

func ProgressKey(account, instrument, kind string) string {
	return progressPrefix + account + ":" + strings.ToUpper(instrument) + ":" + kind
}

func (r ProgressRecord) Key() string {
	return ProgressKey(r.Account, r.Instrument, r.Kind)
}

func LoadProgress(ctx context.Context, store Store, key string) (ProgressRecord, bool, error) {
	if store == nil {
		return ProgressRecord{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return ProgressRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return ProgressRecord{}, false, nil
	}
	var record ProgressRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return ProgressRecord{}, false, err
	}
	return record, true, nil
}

func SaveProgress(ctx context.Context, store Store, record ProgressRecord) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if record.Account == "" || record.Instrument == "" || record.Kind == "" {
		return errors.New("progress record requires account, instrument and op")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, record.Key(), string(payload))
}

func DeleteProgress(ctx context.Context, store Store, key string) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return store.Delete(ctx, key)
}

// ListProgress returns every persisted record, oldest first.
func ListProgress(ctx context.Context, store Store) ([]ProgressRecord, error) {
	lister, ok := store.(Lister)
	if !ok {
		return nil, errors.New("store cannot list progress records")
	}
	raw, err := lister.List(ctx, progressPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]ProgressRecord, 0, len(raw))
	for _, value := range raw {
		var record ProgressRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAtMS != records[j].StartedAtMS {
			return records[i].StartedAtMS < records[j].StartedAtMS
		}
		return records[i].Key() < records[j].Key()
	})
	return records, nil
}
