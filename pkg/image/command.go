package image

import (
	"context"
)

// Command is a request processed by the manager. Reply channels must have
// capacity 1 so the manager never blocks on a caller that stopped waiting.
type Command interface {
	// fail delivers err as the command's result.
	fail(err error)
}

// PullCommand resolves an image and makes sure its artifacts are cached.
type PullCommand struct {
	Image      string
	PullPolicy PullPolicy
	Username   *string
	Password   *string
	Reply      chan PullResult
}

// PullResult is the reply to a PullCommand.
type PullResult struct {
	// Prefix is the cache key prefix the artifacts are stored under.
	Prefix       string
	FunctionName string
	Err          error
}

func (c *PullCommand) fail(err error) {
	c.Reply <- PullResult{Err: err}
}

// NewPullCommand builds a PullCommand for img with a fresh reply channel.
func NewPullCommand(img BytecodeImage) *PullCommand {
	return &PullCommand{
		Image:      img.URL,
		PullPolicy: img.PullPolicy,
		Username:   img.Username,
		Password:   img.Password,
		Reply:      make(chan PullResult, 1),
	}
}

// GetBytecodeCommand reads the program payload cached under a prefix.
type GetBytecodeCommand struct {
	Prefix string
	Reply  chan BytecodeResult
}

// BytecodeResult is the reply to a GetBytecodeCommand.
type BytecodeResult struct {
	Bytes []byte
	Err   error
}

func (c *GetBytecodeCommand) fail(err error) {
	c.Reply <- BytecodeResult{Err: err}
}

// NewGetBytecodeCommand builds a GetBytecodeCommand with a fresh reply channel.
func NewGetBytecodeCommand(prefix string) *GetBytecodeCommand {
	return &GetBytecodeCommand{
		Prefix: prefix,
		Reply:  make(chan BytecodeResult, 1),
	}
}

// Send enqueues cmd. It blocks while the queue is full and fails with
// ErrManagerStopped once the manager has stopped. A command accepted by Send
// always receives exactly one reply.
func (m *Manager) Send(ctx context.Context, cmd Command) error {
	select {
	case <-m.done:
		return ErrManagerStopped
	default:
	}

	select {
	case m.commands <- cmd:
		// The manager may have drained the queue between the check above and
		// the enqueue.
		select {
		case <-m.done:
			m.failQueued()
		default:
		}
		return nil
	case <-m.done:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull enqueues a PullCommand for img and waits for its result.
func (m *Manager) Pull(ctx context.Context, img BytecodeImage) (PullResult, error) {
	cmd := NewPullCommand(img)
	if err := m.Send(ctx, cmd); err != nil {
		return PullResult{}, err
	}

	select {
	case res := <-cmd.Reply:
		return res, res.Err
	case <-m.done:
		select {
		case res := <-cmd.Reply:
			return res, res.Err
		default:
			return PullResult{}, ErrManagerStopped
		}
	case <-ctx.Done():
		return PullResult{}, ctx.Err()
	}
}

// GetBytecode enqueues a GetBytecodeCommand for prefix and waits for the
// payload.
func (m *Manager) GetBytecode(ctx context.Context, prefix string) ([]byte, error) {
	cmd := NewGetBytecodeCommand(prefix)
	if err := m.Send(ctx, cmd); err != nil {
		return nil, err
	}

	select {
	case res := <-cmd.Reply:
		return res.Bytes, res.Err
	case <-m.done:
		select {
		case res := <-cmd.Reply:
			return res.Bytes, res.Err
		default:
			return nil, ErrManagerStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
