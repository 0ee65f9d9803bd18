package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCountersBalance(t *testing.T) {
	s := New(DefaultWindow)

	s.AddQueued(5)
	s.MarkConverted(1000, 400)
	s.MarkConverted(2000, 900)
	s.MarkSkipped()
	s.MarkSkipped()
	s.MarkFailed()

	v := s.Snapshot()
	if v.Queued != 5 {
		t.Errorf("queued = %d, want 5", v.Queued)
	}
	if v.Queued != v.Done()+v.Failed {
		t.Errorf("invariant broken: queued=%d done=%d failed=%d", v.Queued, v.Done(), v.Failed)
	}
	if v.Converted != 2 || v.Skipped != 2 || v.Failed != 1 {
		t.Errorf("counts = %d/%d/%d, want 2/2/1", v.Converted, v.Skipped, v.Failed)
	}
	if v.BytesIn != 3000 || v.BytesOut != 1300 {
		t.Errorf("bytes = %d/%d, want 3000/1300", v.BytesIn, v.BytesOut)
	}
}

func TestConcurrentMarks(t *testing.T) {
	s := New(time.Second)
	const workers = 8
	const perWorker = 200

	s.AddQueued(workers * perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				switch i % 3 {
				case 0:
					s.MarkConverted(100, 40)
				case 1:
					s.MarkSkipped()
				default:
					s.MarkFailed()
				}
			}
		}()
	}
	wg.Wait()

	v := s.Snapshot()
	if v.Queued != v.Done()+v.Failed {
		t.Errorf("invariant broken after concurrent marks: queued=%d done=%d failed=%d", v.Queued, v.Done(), v.Failed)
	}
}

func TestThroughputWindow(t *testing.T) {
	s := New(50 * time.Millisecond)

	s.AddQueued(1)
	s.MarkConverted(10000, 2000)

	v := s.Snapshot()
	if v.Throughput <= 0 {
		t.Errorf("throughput = %f, want > 0 right after a conversion", v.Throughput)
	}

	time.Sleep(80 * time.Millisecond)
	v = s.Snapshot()
	if v.Throughput != 0 {
		t.Errorf("throughput = %f, want 0 after the window drained", v.Throughput)
	}
}
