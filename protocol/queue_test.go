package protocol

import "testing"

func reliableEntry(seq uint16, retransmitted bool) Entry {
	flags := FlagReliable
	if retransmitted {
		flags |= FlagRetransmitted
	}
	return Entry{Header: Header{Command: CmdAppBase, Flags: flags, Reliable: seq}}
}

func TestQueuePushHeadPopHead(t *testing.T) {
	var q SendQueue
	if !q.Empty() {
		t.Fatal("new queue should be empty")
	}
	q.Push(reliableEntry(1, false))
	q.Push(reliableEntry(2, false))
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	head, ok := q.Head()
	if !ok || head.Header.Reliable != 1 {
		t.Fatalf("Head() = %+v, ok=%v, want seq 1", head, ok)
	}
	q.PopHead()
	head, ok = q.Head()
	if !ok || head.Header.Reliable != 2 {
		t.Fatalf("Head() after pop = %+v, ok=%v, want seq 2", head, ok)
	}
}

func TestDropAckedOnlyDropsRetransmittedAtOrBehindAck(t *testing.T) {
	var q SendQueue
	q.Push(reliableEntry(1, true))  // retransmitted, behind ack -> dropped
	q.Push(reliableEntry(2, true))  // retransmitted, at ack -> dropped
	q.Push(reliableEntry(3, false)) // never transmitted -> kept regardless of ack
	q.Push(reliableEntry(4, true))  // ahead of ack -> kept

	dropped := q.DropAcked(2)
	if dropped != 2 {
		t.Fatalf("DropAcked returned %d, want 2", dropped)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	head, _ := q.Head()
	if head.Header.Reliable != 3 {
		t.Fatalf("Head().Reliable = %d, want 3 (never-transmitted entry must survive)", head.Header.Reliable)
	}
}

func TestDropAckedStopsAtFirstUnretransmittedEntry(t *testing.T) {
	var q SendQueue
	q.Push(reliableEntry(1, false)) // never transmitted, blocks the walk
	q.Push(reliableEntry(2, true))  // would otherwise be droppable
	if dropped := q.DropAcked(5); dropped != 0 {
		t.Fatalf("DropAcked = %d, want 0 since the head entry was never transmitted", dropped)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
}

func TestDropAckedHandlesWrapAroundAck(t *testing.T) {
	var q SendQueue
	q.Push(reliableEntry(0xFFFE, true))
	q.Push(reliableEntry(0xFFFF, true))
	q.Push(reliableEntry(0x0000, true))
	dropped := q.DropAcked(0x0000)
	if dropped != 3 {
		t.Fatalf("DropAcked across wrap = %d, want 3", dropped)
	}
}
