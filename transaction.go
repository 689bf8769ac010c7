package tidekv

// transaction.go implements optimistic transactions.
//
// A transaction buffers its writes in an op log plus one ordered index per
// column family mapping each user key to its latest op. Nothing is locked
// while the transaction runs. Commit locks the involved column families in
// id order, validates against each family's last-commit tracker when the
// isolation level asks for it, and applies one batch per family under a
// single new sequence number.

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/skiplist"

	"github.com/aalhour/tidekv/internal/batch"
	"github.com/aalhour/tidekv/internal/dbformat"
)

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
	txnClosed
)

func (s txnState) String() string {
	switch s {
	case txnActive:
		return "active"
	case txnCommitted:
		return "committed"
	case txnAborted:
		return "aborted"
	case txnClosed:
		return "closed"
	}
	return "unknown"
}

// txnOp is one buffered write. stamp orders writes across transactions
// for ReadUncommitted readers.
type txnOp struct {
	cf    *ColumnFamily
	key   []byte
	value []byte
	ttl   int64
	del   bool
	stamp uint64
}

type savepoint struct {
	name   string
	logLen int
}

// Transaction is a unit of work over one or more column families. A
// transaction is used by one goroutine at a time.
type Transaction struct {
	db       *DB
	id       string
	level    IsolationLevel
	state    txnState
	readOnly bool

	// mu guards log and writes, which ReadUncommitted readers in other
	// transactions inspect.
	mu     sync.Mutex
	log    []*txnOp
	writes map[*ColumnFamily]*skiplist.SkipList

	reads      map[*ColumnFamily]*skiplist.SkipList
	snaps      map[*ColumnFamily]uint64
	savepoints []savepoint
}

// Begin starts a ReadCommitted transaction.
func (db *DB) Begin() (*Transaction, error) {
	return db.BeginWithIsolation(ReadCommitted)
}

// BeginWithIsolation starts a transaction at level. Snapshot reading
// levels capture a snapshot of every column family now, and of column
// families created later on first use.
func (db *DB) BeginWithIsolation(level IsolationLevel) (*Transaction, error) {
	const op = "begin"
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	if level < ReadUncommitted || level > Serializable {
		return nil, errorf(CodeInvalidArgs, op, "unknown isolation level")
	}
	t := &Transaction{
		db:     db,
		writes: make(map[*ColumnFamily]*skiplist.SkipList),
		reads:  make(map[*ColumnFamily]*skiplist.SkipList),
		snaps:  make(map[*ColumnFamily]uint64),
	}
	t.begin(level)
	return t, nil
}

// BeginReadOnly starts a ReadCommitted transaction that only reads. It
// allocates no write-set, and Put and Delete fail with ErrInvalidArgs.
func (db *DB) BeginReadOnly() (*Transaction, error) {
	return db.BeginReadOnlyWithIsolation(ReadCommitted)
}

// BeginReadOnlyWithIsolation starts a read-only transaction at level.
func (db *DB) BeginReadOnlyWithIsolation(level IsolationLevel) (*Transaction, error) {
	const op = "begin read-only"
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	if level < ReadUncommitted || level > Serializable {
		return nil, errorf(CodeInvalidArgs, op, "unknown isolation level")
	}
	t := &Transaction{
		db:       db,
		readOnly: true,
		reads:    make(map[*ColumnFamily]*skiplist.SkipList),
		snaps:    make(map[*ColumnFamily]uint64),
	}
	t.begin(level)
	return t, nil
}

func (t *Transaction) begin(level IsolationLevel) {
	t.id = uuid.NewString()
	t.level = level
	t.state = txnActive
	if level.snapshotReads() {
		_ = t.db.forEachCF(func(cf *ColumnFamily) error {
			t.snaps[cf] = cf.acquireSnapshot()
			return nil
		})
	}
	if !t.readOnly {
		t.db.txns.add(t)
	}
}

// ReadOnly reports whether the transaction was begun read-only.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

// ID returns the transaction UUID. Reset assigns a new one.
func (t *Transaction) ID() string { return t.id }

// Isolation returns the isolation level.
func (t *Transaction) Isolation() IsolationLevel { return t.level }

func (t *Transaction) checkActive(op string) error {
	if t.state != txnActive {
		return errorf(CodeInvalidDB, op, "transaction is "+t.state.String())
	}
	return t.db.checkOpen(op)
}

func newKeyIndex(cmp Comparator) *skiplist.SkipList {
	return skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs interface{}) int {
		return cmp.Compare(lhs.([]byte), rhs.([]byte))
	}))
}

// snapshotFor returns the snapshot of cf, capturing it on first use.
func (t *Transaction) snapshotFor(cf *ColumnFamily) uint64 {
	seq, ok := t.snaps[cf]
	if !ok {
		seq = cf.acquireSnapshot()
		t.snaps[cf] = seq
	}
	return seq
}

// readSeq returns the sequence reads of cf observe.
func (t *Transaction) readSeq(cf *ColumnFamily) uint64 {
	if t.level.snapshotReads() {
		return t.snapshotFor(cf)
	}
	return cf.LastSequence()
}

// Put buffers a write of key. ttl is an absolute unix time in seconds
// after which the value reads as absent; -1 never expires.
func (t *Transaction) Put(cf *ColumnFamily, key, value []byte, ttl int64) error {
	const op = "put"
	if err := t.checkWrite(op, cf, key); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return errorf(CodeTooLarge, op, "value exceeds maximum size")
	}
	if ttl < dbformat.NoTTL {
		return errorf(CodeInvalidArgs, op, "ttl must be -1 or a unix time")
	}
	t.buffer(cf, key, append([]byte{}, value...), ttl, false)
	return nil
}

// Delete buffers a delete of key.
func (t *Transaction) Delete(cf *ColumnFamily, key []byte) error {
	if err := t.checkWrite("delete", cf, key); err != nil {
		return err
	}
	t.buffer(cf, key, nil, dbformat.NoTTL, true)
	return nil
}

func (t *Transaction) checkWrite(op string, cf *ColumnFamily, key []byte) error {
	if err := t.checkActive(op); err != nil {
		return err
	}
	if t.readOnly {
		return errorf(CodeInvalidArgs, op, "transaction is read-only")
	}
	if cf == nil {
		return errorf(CodeInvalidArgs, op, "column family is required")
	}
	if err := cf.checkUsable(op); err != nil {
		return err
	}
	return validateKey(op, key)
}

func (t *Transaction) buffer(cf *ColumnFamily, key, value []byte, ttl int64, del bool) {
	if t.level.snapshotReads() {
		t.snapshotFor(cf)
	}
	o := &txnOp{
		cf:    cf,
		key:   append([]byte(nil), key...),
		value: value,
		ttl:   ttl,
		del:   del,
		stamp: t.db.stamp.Add(1),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, o)
	t.indexLocked(cf).Set(o.key, o)
}

func (t *Transaction) indexLocked(cf *ColumnFamily) *skiplist.SkipList {
	idx, ok := t.writes[cf]
	if !ok {
		idx = newKeyIndex(cf.cmp)
		t.writes[cf] = idx
	}
	return idx
}

// buffered returns the latest buffered op for key, if any.
func (t *Transaction) buffered(cf *ColumnFamily, key []byte) *txnOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.writes[cf]
	if !ok {
		return nil
	}
	if el := idx.Get(key); el != nil {
		return el.Value.(*txnOp)
	}
	return nil
}

func (o *txnOp) result(op string) ([]byte, error) {
	if o.del || dbformat.Expired(o.ttl, time.Now().Unix()) {
		return nil, errorf(CodeNotFound, op, "key not found")
	}
	return append([]byte(nil), o.value...), nil
}

// Get reads key: first the transaction's own writes, then, under
// ReadUncommitted, other open transactions' writes, then committed data at
// the transaction's read sequence.
func (t *Transaction) Get(cf *ColumnFamily, key []byte) ([]byte, error) {
	const op = "get"
	if err := t.checkActive(op); err != nil {
		return nil, err
	}
	if cf == nil {
		return nil, errorf(CodeInvalidArgs, op, "column family is required")
	}
	if err := cf.checkUsable(op); err != nil {
		return nil, err
	}
	if err := validateKey(op, key); err != nil {
		return nil, err
	}
	if o := t.buffered(cf, key); o != nil {
		return o.result(op)
	}
	if t.level == ReadUncommitted {
		if o := t.db.txns.latest(t, cf, key); o != nil {
			return o.result(op)
		}
	}
	if t.level == Serializable {
		t.recordRead(cf, key)
	}
	v, found, err := cf.get(key, t.readSeq(cf))
	if err != nil {
		return nil, wrapErr(op, err)
	}
	if !found {
		return nil, errorf(CodeNotFound, op, "key not found")
	}
	return v, nil
}

func (t *Transaction) recordRead(cf *ColumnFamily, key []byte) {
	idx, ok := t.reads[cf]
	if !ok {
		idx = newKeyIndex(cf.cmp)
		t.reads[cf] = idx
	}
	if idx.Get(key) == nil {
		idx.Set(append([]byte(nil), key...), struct{}{})
	}
}

// Savepoint marks the current write-set under name. Names may repeat; the
// latest mark wins.
func (t *Transaction) Savepoint(name string) error {
	const op = "savepoint"
	if err := t.checkActive(op); err != nil {
		return err
	}
	if name == "" {
		return errorf(CodeInvalidArgs, op, "savepoint name is required")
	}
	t.mu.Lock()
	t.savepoints = append(t.savepoints, savepoint{name: name, logLen: len(t.log)})
	t.mu.Unlock()
	return nil
}

func (t *Transaction) findSavepoint(name string) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// RollbackToSavepoint discards the writes made after name was marked and
// every savepoint marked after it.
func (t *Transaction) RollbackToSavepoint(name string) error {
	const op = "rollback to savepoint"
	if err := t.checkActive(op); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.findSavepoint(name)
	if i < 0 {
		return errorf(CodeNotFound, op, "savepoint "+name+" not found")
	}
	n := t.savepoints[i].logLen
	clear(t.log[n:])
	t.log = t.log[:n]
	t.savepoints = t.savepoints[:i+1]
	for _, idx := range t.writes {
		idx.Init()
	}
	for _, o := range t.log {
		t.indexLocked(o.cf).Set(o.key, o)
	}
	return nil
}

// ReleaseSavepoint forgets the latest mark named name, keeping its writes.
func (t *Transaction) ReleaseSavepoint(name string) error {
	const op = "release savepoint"
	if err := t.checkActive(op); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.findSavepoint(name)
	if i < 0 {
		return errorf(CodeNotFound, op, "savepoint "+name+" not found")
	}
	t.savepoints = append(t.savepoints[:i], t.savepoints[i+1:]...)
	return nil
}

// Commit applies the write-set. On ErrConflict the transaction stays
// active with its writes intact, so the caller may retry or roll back.
func (t *Transaction) Commit() error {
	const op = "commit"
	if err := t.checkActive(op); err != nil {
		return err
	}

	t.mu.Lock()
	var written []*ColumnFamily
	for cf, idx := range t.writes {
		if idx.Len() > 0 {
			written = append(written, cf)
		}
	}
	t.mu.Unlock()
	if len(written) == 0 {
		t.finish(txnCommitted)
		return nil
	}
	for _, cf := range written {
		if err := cf.checkUsable(op); err != nil {
			return err
		}
	}

	locked := append([]*ColumnFamily(nil), written...)
	if t.level == Serializable {
		for cf, idx := range t.reads {
			if w := t.writes[cf]; (w == nil || w.Len() == 0) && idx.Len() > 0 && !cf.dropped.Load() {
				locked = append(locked, cf)
			}
		}
	}
	sort.Slice(locked, func(i, j int) bool { return locked[i].id < locked[j].id })
	sort.Slice(written, func(i, j int) bool { return written[i].id < written[j].id })

	for _, cf := range written {
		cf.maybeStallWrite()
	}
	if err := t.db.writeBuffers.admit(t.writeSetSize()); err != nil {
		return err
	}
	for _, cf := range locked {
		cf.commitMu.Lock()
	}
	unlock := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].commitMu.Unlock()
		}
	}

	if err := t.validate(locked); err != nil {
		unlock()
		return err
	}

	type commitResult struct {
		cf      *ColumnFamily
		ops     []batch.Op
		hookOps []CommitOp
		seq     uint64
	}
	results := make([]commitResult, 0, len(written))
	var logErr error
	var failed *ColumnFamily
	for _, cf := range written {
		b, ops, hookOps := t.batchFor(cf)
		seq, err := cf.logLocked(b)
		if err != nil {
			logErr, failed = err, cf
			break
		}
		results = append(results, commitResult{cf: cf, ops: ops, hookOps: hookOps, seq: seq})
	}
	// A logged batch replays on recovery, so it is applied in memory even
	// when a later family fails to log.
	for _, r := range results {
		r.cf.insertLocked(r.seq, r.ops)
		for _, o := range r.ops {
			r.cf.conflicts.record(o.Key, r.seq)
		}
		r.cf.conflicts.maybePrune(&r.cf.snapshots)
	}
	unlock()
	if logErr == nil {
		t.finish(txnCommitted)
	} else {
		t.finish(txnAborted)
	}

	for _, r := range results {
		r.cf.runHook(r.hookOps, r.seq)
	}
	if logErr == nil {
		return nil
	}
	if len(results) == 0 {
		return wrapErr(op, logErr)
	}
	pe := &PartialCommitError{Failed: failed.Name(), Err: logErr}
	for _, r := range results {
		pe.Applied = append(pe.Applied, r.cf.Name())
	}
	return newError(classify(logErr), op, pe)
}

// PartialCommitError reports a multi-family commit that reached some
// column families before a later one failed to log. The applied families
// keep the transaction's writes and ran their commit hooks.
type PartialCommitError struct {
	Applied []string
	Failed  string
	Err     error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("applied to %s, failed on %s: %v", strings.Join(e.Applied, ", "), e.Failed, e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

// validate checks the write-set, and under Serializable the read-set,
// against commits made after the transaction's snapshot. The caller holds
// commitMu of every family in cfs.
func (t *Transaction) validate(cfs []*ColumnFamily) error {
	if t.level < Snapshot {
		return nil
	}
	check := func(cf *ColumnFamily, idx *skiplist.SkipList, what string) error {
		if idx == nil {
			return nil
		}
		snap := t.snapshotFor(cf)
		for el := idx.Front(); el != nil; el = el.Next() {
			key := el.Key().([]byte)
			if cf.conflicts.conflicts(key, snap) {
				return newError(CodeConflict, "commit",
					fmt.Errorf("%s of key %q in %s changed after snapshot %d", what, key, cf.Name(), snap))
			}
		}
		return nil
	}
	for _, cf := range cfs {
		if err := check(cf, t.writes[cf], "write"); err != nil {
			return err
		}
		if t.level == Serializable {
			if err := check(cf, t.reads[cf], "read"); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeSetSize returns the key and value bytes the commit will insert.
func (t *Transaction) writeSetSize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint64
	for _, idx := range t.writes {
		for el := idx.Front(); el != nil; el = el.Next() {
			o := el.Value.(*txnOp)
			n += uint64(len(o.key) + len(o.value))
		}
	}
	return n
}

// batchFor encodes the write-set of cf in key order.
func (t *Transaction) batchFor(cf *ColumnFamily) (*batch.Batch, []batch.Op, []CommitOp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.writes[cf]
	b := batch.New()
	ops := make([]batch.Op, 0, idx.Len())
	hookOps := make([]CommitOp, 0, idx.Len())
	for el := idx.Front(); el != nil; el = el.Next() {
		o := el.Value.(*txnOp)
		if o.del {
			b.Delete(o.key)
			ops = append(ops, batch.Op{Type: dbformat.TypeDeletion, Key: o.key, TTL: dbformat.NoTTL})
		} else {
			b.Put(o.key, o.value, o.ttl)
			ops = append(ops, batch.Op{Type: dbformat.TypeValue, Key: o.key, Value: o.value, TTL: o.ttl})
		}
		hookOps = append(hookOps, CommitOp{Key: o.key, Value: o.value, TTL: o.ttl, Delete: o.del})
	}
	return b, ops, hookOps
}

// Rollback discards the write-set.
func (t *Transaction) Rollback() error {
	if err := t.checkActive("rollback"); err != nil {
		return err
	}
	t.finish(txnAborted)
	return nil
}

// finish moves the transaction to a terminal state and releases its
// snapshots. The write-set buffers are kept for Reset.
func (t *Transaction) finish(state txnState) {
	t.state = state
	t.db.txns.remove(t)
	for cf, seq := range t.snaps {
		cf.snapshots.release(seq)
	}
	clear(t.snaps)
}

// Reset reuses a committed or aborted transaction at level without
// reallocating its buffers, and takes fresh snapshots.
func (t *Transaction) Reset(level IsolationLevel) error {
	const op = "reset"
	if t.state != txnCommitted && t.state != txnAborted {
		return errorf(CodeInvalidDB, op, "only a committed or aborted transaction can be reset")
	}
	if err := t.db.checkOpen(op); err != nil {
		return err
	}
	if level < ReadUncommitted || level > Serializable {
		return errorf(CodeInvalidArgs, op, "unknown isolation level")
	}
	t.mu.Lock()
	clear(t.log)
	t.log = t.log[:0]
	for cf, idx := range t.writes {
		if cf.dropped.Load() {
			delete(t.writes, cf)
			continue
		}
		idx.Init()
	}
	t.mu.Unlock()
	for cf, idx := range t.reads {
		if cf.dropped.Load() {
			delete(t.reads, cf)
			continue
		}
		idx.Init()
	}
	t.savepoints = t.savepoints[:0]
	t.begin(level)
	return nil
}

// Close rolls back an active transaction and makes the handle unusable.
func (t *Transaction) Close() error {
	switch t.state {
	case txnClosed:
		return errorf(CodeInvalidDB, "close", "transaction is closed")
	case txnActive:
		t.finish(txnAborted)
	}
	t.state = txnClosed
	t.mu.Lock()
	t.log = nil
	t.writes = nil
	t.mu.Unlock()
	t.reads = nil
	t.savepoints = nil
	return nil
}

// activeTxns tracks open transactions for ReadUncommitted readers.
type activeTxns struct {
	mu sync.RWMutex
	m  map[*Transaction]struct{}
}

func (a *activeTxns) init() { a.m = make(map[*Transaction]struct{}) }

func (a *activeTxns) add(t *Transaction) {
	a.mu.Lock()
	a.m[t] = struct{}{}
	a.mu.Unlock()
}

func (a *activeTxns) remove(t *Transaction) {
	a.mu.Lock()
	delete(a.m, t)
	a.mu.Unlock()
}

func (a *activeTxns) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.m)
}

// latest returns the most recent uncommitted write of key by any open
// transaction other than self.
func (a *activeTxns) latest(self *Transaction, cf *ColumnFamily, key []byte) *txnOp {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var best *txnOp
	for t := range a.m {
		if t == self {
			continue
		}
		if o := t.buffered(cf, key); o != nil && (best == nil || o.stamp > best.stamp) {
			best = o
		}
	}
	return best
}
