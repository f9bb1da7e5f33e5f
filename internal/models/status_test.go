package models

import "testing"

func TestSendStatusMessageIDs(t *testing.T) {
	status := NewSendStatus("mailgun")
	status.SetRecipient("a@example.com", RecipientStatus{Address: "a@example.com", Status: StatusQueued, MessageID: "id-2"})
	status.SetRecipient("b@example.com", RecipientStatus{Address: "b@example.com", Status: StatusQueued, MessageID: "id-1"})
	status.SetRecipient("c@example.com", RecipientStatus{Address: "c@example.com", Status: StatusQueued, MessageID: "id-1"})

	ids := status.MessageIDs()
	if len(ids) != 2 || ids[0] != "id-1" || ids[1] != "id-2" {
		t.Fatalf("expected deduplicated sorted ids, got %v", ids)
	}
	if status.MessageID() != "" {
		t.Fatalf("expected empty single id with two distinct ids")
	}

	single := NewSendStatus("mailgun")
	single.SetRecipient("a@example.com", RecipientStatus{Address: "a@example.com", Status: StatusQueued, MessageID: "only"})
	if single.MessageID() != "only" {
		t.Fatalf("expected single id, got %q", single.MessageID())
	}
}

func TestSendStatusAllRefused(t *testing.T) {
	status := NewSendStatus("postmark")
	if status.AllRefused() {
		t.Fatalf("empty status must not count as refused")
	}

	status.SetRecipient("a@example.com", RecipientStatus{Address: "a@example.com", Status: StatusRejected})
	status.SetRecipient("b@example.com", RecipientStatus{Address: "b@example.com", Status: StatusInvalid})
	if !status.AllRefused() {
		t.Fatalf("expected all refused with only rejected and invalid")
	}

	status.SetRecipient("c@example.com", RecipientStatus{Address: "c@example.com", Status: StatusSent})
	if status.AllRefused() {
		t.Fatalf("one sent recipient must clear the refusal")
	}
}
