package fibz

// StackKind selects the execution-context class a fiber runs on. Contexts
// of each kind are cached on independent free lists; when a kind's free
// list is empty a new context is created, so fibers of the pooled kinds
// are never downgraded. Only StackPthread fibers run inline on the
// worker's own scheduling context.
type StackKind uint8

const (
	// StackUnknown is the zero value; treated as StackNormal.
	StackUnknown StackKind = iota
	// StackPthread runs the fiber inline on the worker's scheduling
	// context. Such fibers never switch away mid-run: their sleeps and
	// waits block the worker. Their sleeps cannot be interrupted; an
	// event wait still returns ErrInterrupted when interrupted.
	StackPthread
	// StackSmall is for short-lived fibers; smallest free-list budget.
	StackSmall
	// StackNormal is the default kind.
	StackNormal
	// StackLarge is for deep call chains; largest free-list budget.
	StackLarge
	// StackMain is reserved for worker scheduling loops.
	StackMain
)

// AttrFlags carry per-fiber behavior toggles.
type AttrFlags uint32

const (
	// FlagNoSignal suppresses the worker wakeup when the fiber is
	// enqueued, batching it with a later signaled enqueue or Flush.
	FlagNoSignal AttrFlags = 1 << iota
	// FlagLogStartAndFinish emits SignalFiberStarted/SignalFiberFinished.
	FlagLogStartAndFinish
	// FlagLogContextSwitch emits SignalFiberSwitch on every switch
	// involving the fiber.
	FlagLogContextSwitch
	// FlagNeverQuit makes AboutToQuit a no-op for the fiber.
	FlagNeverQuit
)

// Attr describes how a fiber is created and scheduled.
type Attr struct {
	StackKind    StackKind
	Flags        AttrFlags
	KeyTablePool *KeyTablePool // optional recycling pool for local storage
}

// Predefined attributes, mirroring the common creation profiles.
var (
	AttrNormal  = Attr{StackKind: StackNormal}
	AttrSmall   = Attr{StackKind: StackSmall}
	AttrLarge   = Attr{StackKind: StackLarge}
	AttrPthread = Attr{StackKind: StackPthread}

	attrMain = Attr{StackKind: StackMain}
)

func (a Attr) nosignal() bool          { return a.Flags&FlagNoSignal != 0 }
func (a Attr) logStartAndFinish() bool { return a.Flags&FlagLogStartAndFinish != 0 }
func (a Attr) logContextSwitch() bool  { return a.Flags&FlagLogContextSwitch != 0 }
func (a Attr) neverQuit() bool         { return a.Flags&FlagNeverQuit != 0 }
