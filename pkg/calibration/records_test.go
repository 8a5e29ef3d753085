package calibration

import (
	"sync"
	"testing"
)

func TestRecordsSnapshotIsCopy(t *testing.T) {
	r := NewRecords[SpeedReport]()
	r.Append(SpeedReport{Speed: 1, Distance: 2, Elapsed: 4000})

	snap := r.Snapshot()
	snap[0].Speed = 99
	r.Append(SpeedReport{Speed: 2})

	if got := r.Snapshot()[0].Speed; got != 1 {
		t.Fatalf("snapshot aliases records: got speed %v", got)
	}
	if len(snap) != 1 {
		t.Fatalf("expected snapshot length 1, got %d", len(snap))
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", r.Len())
	}

	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("expected no records after reset, got %d", r.Len())
	}
}

func TestRecordsConcurrentAppend(t *testing.T) {
	r := NewRecords[PositionCompare]()
	appended := 0
	var mu sync.Mutex
	r.OnAppend(func(PositionCompare) {
		mu.Lock()
		appended++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Append(PositionCompare{MoveTime: j})
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()

	if r.Len() != 800 || appended != 800 {
		t.Fatalf("expected 800 records and callbacks, got %d and %d", r.Len(), appended)
	}
}
