package draft

import "testing"

type recordingPersister struct {
	saved   map[string]string
	deleted []string
}

func (p *recordingPersister) SaveDraft(conversationID, body string) error {
	if p.saved == nil {
		p.saved = make(map[string]string)
	}
	p.saved[conversationID] = body
	return nil
}

func (p *recordingPersister) DeleteDraft(conversationID string) error {
	p.deleted = append(p.deleted, conversationID)
	return nil
}

func TestGetMissingReturnsEmpty(t *testing.T) {
	s := NewStore(nil)
	if got := s.Get("c1"); got != "" {
		t.Errorf("Get on empty store = %q, want \"\"", got)
	}
}

func TestSetGetClear(t *testing.T) {
	s := NewStore(nil)
	s.Set("c1", "half-typed thought")
	if got := s.Get("c1"); got != "half-typed thought" {
		t.Errorf("Get = %q", got)
	}
	s.Clear("c1")
	if got := s.Get("c1"); got != "" {
		t.Errorf("Get after Clear = %q, want \"\"", got)
	}
}

func TestDraftsArePerConversation(t *testing.T) {
	s := NewStore(nil)
	s.Set("c1", "one")
	s.Set("c2", "two")
	s.Clear("c1")
	if got := s.Get("c2"); got != "two" {
		t.Errorf("clearing c1 touched c2: %q", got)
	}
}

func TestSetEmptyClears(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)
	s.Set("c1", "text")
	s.Set("c1", "")
	if got := s.Get("c1"); got != "" {
		t.Errorf("Get = %q, want \"\"", got)
	}
	if len(p.deleted) != 1 || p.deleted[0] != "c1" {
		t.Errorf("deleted = %v, want [c1]", p.deleted)
	}
}

func TestWriteThrough(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)
	s.Set("c1", "persist me")
	if p.saved["c1"] != "persist me" {
		t.Errorf("persister saw %q", p.saved["c1"])
	}
}

func TestSeedDoesNotWriteBack(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)
	s.Seed(map[string]string{"c1": "restored", "c2": ""})
	if got := s.Get("c1"); got != "restored" {
		t.Errorf("Get = %q, want restored", got)
	}
	if got := s.Get("c2"); got != "" {
		t.Errorf("empty seed entry kept: %q", got)
	}
	if len(p.saved) != 0 {
		t.Errorf("Seed wrote back to persister: %v", p.saved)
	}
}
