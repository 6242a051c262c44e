// Package edge implements the agent runtime deployed at each physical
// location: observation of local devices, a durable outbox, the delivery
// loop and heartbeat emission.
package edge

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/posedge/fleet/internal/events"
	"github.com/posedge/fleet/pkg/logger"
)

const recordHeaderLen = 12

// OutboxEntry is a durably persisted event awaiting broker
// acknowledgment. Seq is the location-local monotonic sequence number.
// Attempt bookkeeping is rebuilt after a restart; redeliveries that
// result are absorbed by the aggregator's dedup.
type OutboxEntry struct {
	Seq          uint64        `json:"seq"`
	Event        *events.Event `json:"event"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	AttemptCount int           `json:"-"`
	NextRetryAt  time.Time     `json:"-"`
}

// ErrOutboxFull is returned when the outbox is at capacity and the
// oldest pending entry is not droppable.
var ErrOutboxFull = errors.New("outbox full")

// Outbox is the append-only local delivery log. Records are
// [8 bytes seq][4 bytes len][len bytes json]; a separate meta file holds
// the acknowledged offset so pruning can truncate safely. Enqueue syncs
// to disk before returning, so an event survives a crash between
// observation and transmission.
type Outbox struct {
	mu         sync.Mutex
	dir        string
	path       string
	metaPath   string
	file       *os.File
	writer     *bufio.Writer
	nextSeq    uint64
	ackedSeq   uint64
	maxPending int
	log        *logger.Logger
}

// OpenOutbox opens (or creates) the outbox in dir, recovering from a
// torn tail left by a crash mid-append. maxPending bounds local storage;
// zero means unbounded.
func OpenOutbox(dir string, maxPending int, log *logger.Logger) (*Outbox, error) {
	if log == nil {
		log = logger.NewDefault("outbox")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	path := filepath.Join(dir, "outbox.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open outbox log: %w", err)
	}

	ob := &Outbox{
		dir:        dir,
		path:       path,
		metaPath:   filepath.Join(dir, "outbox.acked"),
		file:       f,
		writer:     bufio.NewWriterSize(f, 1<<16),
		maxPending: maxPending,
		log:        log,
	}
	if err := ob.bootstrap(); err != nil {
		f.Close()
		return nil, err
	}
	return ob, nil
}

func (o *Outbox) bootstrap() error {
	if err := o.scanExisting(); err != nil {
		return err
	}
	if err := o.loadAcked(); err != nil {
		return err
	}
	if o.ackedSeq > o.nextSeq {
		o.nextSeq = o.ackedSeq
	}
	_, err := o.file.Seek(0, io.SeekEnd)
	return err
}

func (o *Outbox) scanExisting() error {
	stat, err := os.Stat(o.path)
	if err != nil || stat.Size() == 0 {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	rf, err := os.Open(o.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset  int64
		lastSeq uint64
	)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("outbox scan header: %w", err)
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			// Torn record: keep everything before it.
			break
		}
		offset += recordHeaderLen + int64(length)
		lastSeq = seq
	}

	if err := o.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate torn outbox tail: %w", err)
	}
	o.nextSeq = lastSeq
	return nil
}

func (o *Outbox) loadAcked() error {
	data, err := os.ReadFile(o.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	acked, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("parse acked offset: %w", err)
	}
	o.ackedSeq = acked
	return nil
}

// Enqueue durably appends the event and returns its outbox entry. The
// write is flushed and synced before returning. Safe for concurrent use
// by multiple device pollers.
func (o *Outbox) Enqueue(event *events.Event) (OutboxEntry, error) {
	if err := event.Validate(); err != nil {
		return OutboxEntry{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.maxPending > 0 && int(o.nextSeq-o.ackedSeq) >= o.maxPending {
		if err := o.dropOldestLocked(); err != nil {
			return OutboxEntry{}, err
		}
	}

	entry := OutboxEntry{
		Seq:        o.nextSeq + 1,
		Event:      event,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("encode outbox entry: %w", err)
	}

	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], entry.Seq)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))

	if _, err := o.writer.Write(hdr[:]); err != nil {
		return OutboxEntry{}, err
	}
	if _, err := o.writer.Write(body); err != nil {
		return OutboxEntry{}, err
	}
	if err := o.writer.Flush(); err != nil {
		return OutboxEntry{}, err
	}
	if err := o.file.Sync(); err != nil {
		return OutboxEntry{}, fmt.Errorf("sync outbox: %w", err)
	}

	o.nextSeq = entry.Seq
	return entry, nil
}

// dropOldestLocked releases capacity by acking past the oldest pending
// entry, unless that entry is an alert which must never be dropped.
func (o *Outbox) dropOldestLocked() error {
	oldest, err := o.readEntryLocked(o.ackedSeq + 1)
	if err != nil {
		return fmt.Errorf("%w: inspect oldest: %v", ErrOutboxFull, err)
	}
	if oldest.Event != nil && oldest.Event.Type.Family() == "alert" {
		return ErrOutboxFull
	}
	o.ackedSeq = oldest.Seq
	if err := o.persistAckedLocked(); err != nil {
		return err
	}
	typ := events.Type("")
	if oldest.Event != nil {
		typ = oldest.Event.Type
	}
	o.log.WithField("seq", oldest.Seq).
		WithField("type", string(typ)).
		Warn("outbox at capacity, dropped oldest unacknowledged event")
	return nil
}

func (o *Outbox) readEntryLocked(seq uint64) (OutboxEntry, error) {
	var found OutboxEntry
	err := o.iterateLocked(func(e OutboxEntry) error {
		if e.Seq == seq {
			found = e
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return OutboxEntry{}, err
	}
	if found.Seq != seq {
		return OutboxEntry{}, fmt.Errorf("outbox entry %d not found", seq)
	}
	return found, nil
}

var errStopIteration = errors.New("stop iteration")

// Pending returns all entries past the acknowledged offset, in enqueue
// order.
func (o *Outbox) Pending() ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []OutboxEntry
	err := o.iterateLocked(func(e OutboxEntry) error {
		if e.Seq > o.ackedSeq {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Outbox) iterateLocked(fn func(OutboxEntry) error) error {
	if err := o.writer.Flush(); err != nil {
		return err
	}
	f, err := os.Open(o.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		length := binary.BigEndian.Uint32(hdr[8:12])
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil
		}
		var entry OutboxEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			return fmt.Errorf("corrupt outbox entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// MarkAcked advances the acknowledged offset after broker confirmation.
func (o *Outbox) MarkAcked(seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq <= o.ackedSeq {
		return nil
	}
	o.ackedSeq = seq
	return o.persistAckedLocked()
}

func (o *Outbox) persistAckedLocked() error {
	return os.WriteFile(o.metaPath, []byte(fmt.Sprintf("%d\n", o.ackedSeq)), 0o644)
}

// PruneAcknowledged rewrites the log keeping only unacknowledged
// entries, reclaiming disk used by delivered events.
func (o *Outbox) PruneAcknowledged() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var pending []OutboxEntry
	if err := o.iterateLocked(func(e OutboxEntry) error {
		if e.Seq > o.ackedSeq {
			pending = append(pending, e)
		}
		return nil
	}); err != nil {
		return err
	}

	tmpPath := o.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(tmp, 1<<16)
	for _, e := range pending {
		body, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			return err
		}
		var hdr [recordHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], e.Seq)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
		if _, err := w.Write(hdr[:]); err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(body); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := o.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, o.path); err != nil {
		return err
	}
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	o.file = f
	o.writer = bufio.NewWriterSize(f, 1<<16)
	return nil
}

// PendingCount reports how many entries await acknowledgment.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int(o.nextSeq - o.ackedSeq)
}

// Close flushes buffered writes and closes the log file.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.writer.Flush(); err != nil {
		return err
	}
	return o.file.Close()
}
