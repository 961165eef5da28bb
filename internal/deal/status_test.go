package deal

import "testing"

func TestTransitionOutgoingAlwaysRearms(t *testing.T) {
	statuses := []Status{
		StatusNew,
		StatusWaitingForClient,
		StatusPendingCreator,
		StatusCompleted,
		StatusRejected,
		StatusAutoRejected,
	}
	for _, current := range statuses {
		change, changed := Transition(current, DirectionOutgoing)
		if !changed {
			t.Errorf("outgoing from %s: expected a change", current)
		}
		if change.Status != StatusWaitingForClient {
			t.Errorf("outgoing from %s: expected WAITING_FOR_CLIENT, got %s", current, change.Status)
		}
		if !change.SetOurReplySent {
			t.Errorf("outgoing from %s: expected our_reply_sent_at to be stamped", current)
		}
		if change.SetClientReplied {
			t.Errorf("outgoing from %s: client_replied_at should not be stamped", current)
		}
	}
}

func TestTransitionIncomingWhileWaiting(t *testing.T) {
	change, changed := Transition(StatusWaitingForClient, DirectionIncoming)
	if !changed {
		t.Fatal("expected a change")
	}
	if change.Status != StatusPendingCreator {
		t.Fatalf("expected PENDING_CREATOR, got %s", change.Status)
	}
	if !change.SetClientReplied {
		t.Error("expected client_replied_at to be stamped")
	}
	if change.SetOurReplySent {
		t.Error("our_reply_sent_at should not be stamped")
	}
}

func TestTransitionIncomingElsewhereIsNoop(t *testing.T) {
	for _, current := range []Status{StatusNew, StatusPendingCreator, StatusCompleted, StatusRejected, StatusAutoRejected} {
		change, changed := Transition(current, DirectionIncoming)
		if changed {
			t.Errorf("incoming from %s: expected no change, got %s", current, change.Status)
		}
		if change.Status != current {
			t.Errorf("incoming from %s: status should be unchanged, got %s", current, change.Status)
		}
	}
}

func TestParseDirection(t *testing.T) {
	cases := []struct {
		raw  string
		want Direction
		ok   bool
	}{
		{"INCOMING", DirectionIncoming, true},
		{"incoming", DirectionIncoming, true},
		{" Outgoing ", DirectionOutgoing, true},
		{"OUTGOING", DirectionOutgoing, true},
		{"sideways", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseDirection(tc.raw)
		if tc.ok && err != nil {
			t.Errorf("ParseDirection(%q): unexpected error %v", tc.raw, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseDirection(%q): expected error", tc.raw)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDirection(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := ParseStatus("pending_creator"); !ok || status != StatusPendingCreator {
		t.Errorf("expected PENDING_CREATOR, got %s ok=%v", status, ok)
	}
	if _, ok := ParseStatus("ALMOST_DONE"); ok {
		t.Error("expected unknown status to be rejected")
	}
	if _, ok := ParseStatus(""); ok {
		t.Error("expected empty status to be rejected")
	}
}

func TestTerminal(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusRejected, StatusAutoRejected} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []Status{StatusNew, StatusWaitingForClient, StatusPendingCreator} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestOutcomeStatus(t *testing.T) {
	if OutcomeAccept.Status() != StatusCompleted {
		t.Error("accept should force COMPLETED")
	}
	if OutcomeReject.Status() != StatusRejected {
		t.Error("reject should force REJECTED")
	}
}
