package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/estrada-diego/myCloud/pkg/models"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	parent := int64(3)
	b.Publish(NodeCreated(&models.Node{ID: 7, Name: "x.txt", Kind: models.KindFile, ParentID: &parent, Size: 100}))

	select {
	case got := <-ch:
		if got.Type != EventFileCreated || got.NodeID != 7 || got.Size != 100 {
			t.Errorf("unexpected event %+v", got)
		}
		if got.ParentID == nil || *got.ParentID != 3 {
			t.Errorf("ParentID = %v", got.ParentID)
		}
		if got.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for range 200 {
			b.Publish(Event{Type: EventSubtreeDeleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered %d events, want %d", len(ch), cap(ch))
	}
}

func TestEventKinds(t *testing.T) {
	folder := &models.Node{ID: 1, Name: "d", Kind: models.KindFolder}
	if e := NodeCreated(folder); e.Type != EventFolderCreated {
		t.Errorf("NodeCreated(folder).Type = %s", e.Type)
	}
	e := SubtreeDeleted(folder, 512)
	if e.Type != EventSubtreeDeleted || e.Size != 512 {
		t.Errorf("SubtreeDeleted = %+v", e)
	}
	data, err := MarshalEvent(e)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != EventSubtreeDeleted {
		t.Errorf("marshalled type = %v", decoded["type"])
	}
}
