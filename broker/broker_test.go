package broker

import (
	"context"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/docrefinery/docrefinery/dbopen"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	db := dbopen.OpenMemory(t)
	b, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPublishClaimFIFO(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	if _, err := b.Publish(ctx, 1, "SCANNING"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(ctx, 2, "SCANNING"); err != nil {
		t.Fatal(err)
	}

	first, err := b.Claim(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.JobID != 1 {
		t.Fatalf("first claim = %+v, want job 1", first)
	}
	if !strings.HasPrefix(first.ID, "tsk_") {
		t.Errorf("task id = %q", first.ID)
	}

	second, err := b.Claim(ctx, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if second == nil || second.JobID != 2 {
		t.Fatalf("second claim = %+v, want job 2", second)
	}

	empty, err := b.Claim(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if empty != nil {
		t.Fatalf("claim on empty queue = %+v", empty)
	}
}

func TestSingleDelivery(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	if _, err := b.Publish(ctx, 7, "CONVERTING"); err != nil {
		t.Fatal(err)
	}

	var claimed int
	for _, w := range []string{"w1", "w2", "w3"} {
		task, err := b.Claim(ctx, w)
		if err != nil {
			t.Fatal(err)
		}
		if task != nil {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("task delivered %d times", claimed)
	}
}

func TestDoneAndFail(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	id1, _ := b.Publish(ctx, 1, "SCANNING")
	id2, _ := b.Publish(ctx, 2, "SCANNING")
	if _, err := b.Claim(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Claim(ctx, "w1"); err != nil {
		t.Fatal(err)
	}

	if err := b.Done(ctx, id1); err != nil {
		t.Fatal(err)
	}
	if err := b.Fail(ctx, id2, "engine unreachable"); err != nil {
		t.Fatal(err)
	}

	n, err := b.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("pending = %d after done/fail", n)
	}
}

func TestTerminatePending(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	id, _ := b.Publish(ctx, 5, "SCANNING")
	if err := b.Terminate(ctx, id); err != nil {
		t.Fatal(err)
	}

	task, err := b.Claim(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if task != nil {
		t.Fatalf("terminated task was claimed: %+v", task)
	}

	dead, err := b.Terminated(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !dead {
		t.Fatal("Terminated = false for revoked task")
	}
}

func TestTerminateClaimed(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)

	id, _ := b.Publish(ctx, 5, "CONVERTING")
	if _, err := b.Claim(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Terminate(ctx, id); err != nil {
		t.Fatal(err)
	}

	dead, err := b.Terminated(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !dead {
		t.Fatal("claimed task not flagged after terminate")
	}
}

func TestTerminateUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	b := testBroker(t)
	if err := b.Terminate(ctx, "tsk_missing"); err != nil {
		t.Fatal(err)
	}
}

func TestPing(t *testing.T) {
	b := testBroker(t)
	if err := b.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
