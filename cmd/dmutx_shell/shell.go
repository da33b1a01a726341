package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/transaction"
	"github.com/sushant-115/dmutx/internal/engine"
)

var errQuit = errors.New("quit")

// pendingOp is a mutation the shell performs for the open transaction once it
// has been assigned, right before the commit.
type pendingOp struct {
	kind   transaction.HoldKind
	object uint64
	off    uint64
	length uint64
	name   string
	add    bool
}

// shell drives one engine with at most one open transaction at a time.
type shell struct {
	eng *engine.Engine
	out io.Writer

	tx  *transaction.Tx
	ops []pendingOp
}

func newShell(eng *engine.Engine, out io.Writer) *shell {
	return &shell{eng: eng, out: out}
}

// exec runs one command line. It returns errQuit for exit and quit.
func (s *shell) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "create":
		return s.create(args[1:])
	case "fill":
		return s.fill(args[1:])
	case "fault":
		return s.fault(args[1:])
	case "snapshot":
		g := s.eng.Gens.LastSynced()
		s.eng.Objects.Snapshot(g)
		fmt.Fprintf(s.out, "snapshot taken at generation %d\n", g)
		return nil
	case "begin":
		if s.tx != nil {
			return fmt.Errorf("transaction %s is still open", s.tx.ID())
		}
		s.tx = s.eng.NewTx()
		s.ops = nil
		fmt.Fprintf(s.out, "transaction %s\n", s.tx.ID())
		return nil
	case "write", "free", "zap", "bonus", "spill", "newobj", "space":
		return s.hold(ctx, args)
	case "assign":
		return s.assign(ctx, args[1:])
	case "show":
		return s.show()
	case "commit":
		return s.commit(ctx)
	case "abort":
		return s.abort()
	case "sync":
		if err := s.eng.Gens.SyncAll(ctx); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "synced through generation %d\n", s.eng.Gens.LastSynced())
		return nil
	case "stats":
		st := s.eng.Pool.Stats()
		fmt.Fprintf(s.out, "open=%d synced=%d objects=%d capacity=%d used=%d inflight=%d pending=%d suspended=%t\n",
			s.eng.Gens.Open(), s.eng.Gens.LastSynced(), s.eng.Objects.Len(),
			st.Capacity, st.Used, st.InFlight, st.Pending, st.Suspended)
		return nil
	case "suspend":
		s.eng.Pool.Suspend()
		return nil
	case "resume":
		s.eng.Pool.Resume()
		return nil
	case "help":
		s.help()
		return nil
	case "exit", "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
}

func (s *shell) help() {
	fmt.Fprintln(s.out, "Commands:")
	fmt.Fprintln(s.out, "  create plain|dir [blocksize]")
	fmt.Fprintln(s.out, "  fill <obj> <bytes>")
	fmt.Fprintln(s.out, "  fault <obj> <level> <blkid>")
	fmt.Fprintln(s.out, "  snapshot")
	fmt.Fprintln(s.out, "  begin")
	fmt.Fprintln(s.out, "  write <obj> <off> <len>")
	fmt.Fprintln(s.out, "  free <obj> <off> <len|end>")
	fmt.Fprintln(s.out, "  zap <obj> add|remove <name>")
	fmt.Fprintln(s.out, "  bonus <obj> | spill <obj> | newobj | space <bytes>")
	fmt.Fprintln(s.out, "  assign [wait|nowait|<generation>]")
	fmt.Fprintln(s.out, "  show | commit | abort")
	fmt.Fprintln(s.out, "  sync | stats | suspend | resume")
	fmt.Fprintln(s.out, "  help | exit")
}

func (s *shell) create(args []string) error {
	if len(args) < 1 {
		return errors.New("create requires a kind")
	}
	var kind dnode.ObjectKind
	switch args[0] {
	case "plain":
		kind = dnode.KindPlain
	case "dir":
		kind = dnode.KindDirectory
	default:
		return fmt.Errorf("unknown object kind %q", args[0])
	}
	var bs uint64
	if len(args) > 1 {
		v, err := parseSize(args[1])
		if err != nil {
			return err
		}
		bs = v
	}
	obj := s.eng.Objects.Create(kind, bs)
	fmt.Fprintf(s.out, "object %d (%s)\n", obj.ID(), kind)
	return nil
}

// fill writes n bytes into an object outside any transaction, in the last
// synced generation, to give later holds something to estimate against.
func (s *shell) fill(args []string) error {
	if len(args) < 2 {
		return errors.New("fill requires <obj> <bytes>")
	}
	obj, err := s.object(args[0])
	if err != nil {
		return err
	}
	n, err := parseSize(args[1])
	if err != nil {
		return err
	}
	u := obj.Write(max(s.eng.Gens.LastSynced(), 1), 0, n)
	fmt.Fprintf(s.out, "wrote %d bytes\n", u.Written)
	return nil
}

func (s *shell) fault(args []string) error {
	if len(args) < 3 {
		return errors.New("fault requires <obj> <level> <blkid>")
	}
	obj, err := s.object(args[0])
	if err != nil {
		return err
	}
	level, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad level %q: %w", args[1], err)
	}
	blkid, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad block id %q: %w", args[2], err)
	}
	obj.InjectFault(level, blkid)
	return nil
}

func (s *shell) hold(ctx context.Context, args []string) error {
	if s.tx == nil {
		return errors.New("no open transaction, run 'begin' first")
	}
	nums := func(n int) ([]uint64, error) {
		if len(args)-1 < n {
			return nil, fmt.Errorf("%s requires %d arguments", args[0], n)
		}
		out := make([]uint64, n)
		for i := range out {
			a := args[i+1]
			if a == "end" {
				out[i] = transaction.ToEnd
				continue
			}
			v, err := parseSize(a)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	var (
		h   *transaction.Hold
		op  pendingOp
		err error
	)
	switch args[0] {
	case "write":
		var v []uint64
		if v, err = nums(3); err != nil {
			return err
		}
		op = pendingOp{kind: transaction.HoldKindWrite, object: v[0], off: v[1], length: v[2]}
		h, err = s.tx.HoldWrite(ctx, v[0], v[1], v[2])
	case "free":
		var v []uint64
		if v, err = nums(3); err != nil {
			return err
		}
		op = pendingOp{kind: transaction.HoldKindFree, object: v[0], off: v[1], length: v[2]}
		h, err = s.tx.HoldFree(ctx, v[0], v[1], v[2])
	case "zap":
		if len(args) < 4 || (args[2] != "add" && args[2] != "remove") {
			return errors.New("zap requires <obj> add|remove <name>")
		}
		var v []uint64
		if v, err = nums(1); err != nil {
			return err
		}
		op = pendingOp{kind: transaction.HoldKindZap, object: v[0], name: args[3], add: args[2] == "add"}
		h, err = s.tx.HoldZap(ctx, v[0], op.add, op.name)
	case "bonus":
		var v []uint64
		if v, err = nums(1); err != nil {
			return err
		}
		op = pendingOp{kind: transaction.HoldKindBonus, object: v[0]}
		h, err = s.tx.HoldBonus(ctx, v[0])
	case "spill":
		var v []uint64
		if v, err = nums(1); err != nil {
			return err
		}
		op = pendingOp{kind: transaction.HoldKindSpill, object: v[0]}
		h, err = s.tx.HoldSpill(ctx, v[0])
	case "newobj":
		op = pendingOp{kind: transaction.HoldKindNewObject, object: transaction.NewObject}
		h, err = s.tx.HoldNewObject(ctx)
	case "space":
		var v []uint64
		if v, err = nums(1); err != nil {
			return err
		}
		op = pendingOp{kind: transaction.HoldKindSpace, length: v[0]}
		h, err = s.tx.HoldSpace(v[0])
	}
	if err != nil {
		return err
	}
	s.ops = append(s.ops, op)
	fmt.Fprintf(s.out, "%s hold: write=%d overwrite=%d free=%d unref=%d memory=%d\n",
		h.Kind(), h.ToWrite, h.ToOverwrite, h.ToFree, h.ToUnref, h.Memory)
	if err := s.tx.Err(); err != nil {
		fmt.Fprintf(s.out, "transaction error: %v\n", err)
	}
	return nil
}

func (s *shell) assign(ctx context.Context, args []string) error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	policy := transaction.Wait
	if len(args) > 0 {
		switch args[0] {
		case "wait":
		case "nowait":
			policy = transaction.NoWait
		default:
			n, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad policy %q", args[0])
			}
			policy = transaction.Generation(n)
		}
	}
	if err := s.tx.Assign(ctx, policy); err != nil {
		if transaction.IsRetryable(err) {
			fmt.Fprintf(s.out, "retry: %v (run 'assign' again or 'abort')\n", err)
			return nil
		}
		return err
	}
	fmt.Fprintf(s.out, "assigned to generation %d\n", s.tx.Generation())
	return nil
}

func (s *shell) show() error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	est := s.tx.Estimate()
	fmt.Fprintf(s.out, "transaction %s state=%s generation=%d lastTried=%d holds=%d\n",
		s.tx.ID(), s.tx.State(), s.tx.Generation(), s.tx.LastTried(), len(s.ops))
	fmt.Fprintf(s.out, "estimate: write=%d overwrite=%d free=%d unref=%d memory=%d fudge=%d asize=%d fsize=%d usize=%d\n",
		est.ToWrite, est.ToOverwrite, est.ToFree, est.ToUnref, est.Memory, est.Fudge, est.ASize, est.FSize, est.USize)
	if err := s.tx.Err(); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return nil
}

// commit performs the pending mutations in the assigned generation and
// commits the transaction.
func (s *shell) commit(ctx context.Context) error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	g := s.tx.Generation()
	if g == 0 {
		return fmt.Errorf("commit: %w", transaction.ErrNotAssigned)
	}
	for _, op := range s.ops {
		if err := s.apply(ctx, g, op); err != nil {
			return err
		}
	}
	if err := s.tx.RegisterCallback(func(data any, err error) {
		if err != nil {
			fmt.Fprintf(s.out, "generation %d: %v\n", data, err)
		}
	}, g); err != nil {
		return err
	}
	if err := s.tx.Commit(); err != nil {
		return err
	}
	if r, ok := s.tx.Shadow(); ok {
		fmt.Fprintf(s.out, "committed in generation %d: wrote=%d freed=%d overrun=%t\n", g, r.Written, r.Freed, r.Overrun())
	} else {
		fmt.Fprintf(s.out, "committed in generation %d\n", g)
	}
	s.tx, s.ops = nil, nil
	return nil
}

func (s *shell) apply(ctx context.Context, g uint64, op pendingOp) error {
	if op.kind == transaction.HoldKindSpace {
		s.tx.WillUseSpace(int64(op.length))
		return nil
	}
	if op.kind == transaction.HoldKindNewObject {
		obj := s.eng.Objects.Create(dnode.KindPlain, 0)
		if err := s.tx.AddNewObject(ctx, obj.ID()); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "created object %d\n", obj.ID())
		return nil
	}

	obj, ok := s.eng.Objects.Object(op.object)
	if !ok {
		return fmt.Errorf("object %d: %w", op.object, dnode.ErrNotFound)
	}
	if err := s.tx.VerifyDirty(op.object); err != nil {
		return err
	}
	var (
		u   dnode.Usage
		err error
	)
	switch op.kind {
	case transaction.HoldKindWrite:
		u = obj.Write(g, op.off, op.length)
	case transaction.HoldKindFree:
		u = obj.Free(g, op.off, op.length)
	case transaction.HoldKindZap:
		if op.add {
			u, err = obj.AddEntry(g, op.name)
		} else {
			u, err = obj.RemoveEntry(g, op.name)
		}
	case transaction.HoldKindBonus:
		u = obj.WriteBonus(g)
	case transaction.HoldKindSpill:
		u = obj.WriteSpill(g)
	}
	if err != nil {
		return err
	}
	s.tx.WillUseSpace(int64(u.Written))
	s.tx.WillUseSpace(-int64(u.Freed))
	return nil
}

func (s *shell) abort() error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	if err := s.tx.Abort(); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "aborted")
	s.tx, s.ops = nil, nil
	return nil
}

func (s *shell) object(arg string) (*dnode.MemObject, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad object id %q: %w", arg, err)
	}
	obj, ok := s.eng.Objects.Object(id)
	if !ok {
		return nil, fmt.Errorf("object %d: %w", id, dnode.ErrNotFound)
	}
	return obj, nil
}

// parseSize accepts plain byte counts and K, M and G suffixes.
func parseSize(arg string) (uint64, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(arg, "K"), strings.HasSuffix(arg, "k"):
		mult = 1 << 10
	case strings.HasSuffix(arg, "M"), strings.HasSuffix(arg, "m"):
		mult = 1 << 20
	case strings.HasSuffix(arg, "G"), strings.HasSuffix(arg, "g"):
		mult = 1 << 30
	}
	if mult != 1 {
		arg = arg[:len(arg)-1]
	}
	v, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", arg, err)
	}
	return v * mult, nil
}
