package asyncio

import "context"

// Channel is a thin per-descriptor façade over a CompletionQueue: it carries
// a Descriptor and turns each call into one
// CompletionQueue.Submit round-trip. Grounded on gaio.Watcher's
// Read/Write/Free public surface (a small struct wrapping the actor, one
// method per verb), generalized from a fixed set of block-device verbs to
// the full OpKind set this runtime supports.
type Channel struct {
	completions *CompletionQueue
	descriptor  Descriptor
}

// NewChannel wraps descriptor in a Channel backed by completions. The caller
// still owns descriptor's lifecycle outside of Close.
func NewChannel(completions *CompletionQueue, descriptor Descriptor) *Channel {
	return &Channel{completions: completions, descriptor: descriptor}
}

// Descriptor returns the wrapped descriptor.
func (c *Channel) Descriptor() Descriptor {
	return c.descriptor
}

// Read submits a read of len(buf.Bytes()) bytes at offset and blocks for its
// completion, returning the number of bytes actually read.
func (c *Channel) Read(ctx context.Context, buf *AlignedBuffer, offset int64) (int64, error) {
	res, err := c.completions.Submit(ctx, Operation{
		Kind:       OpRead,
		Descriptor: c.descriptor,
		Buffer:     buf,
		Offset:     offset,
	})
	if err != nil {
		return 0, err
	}
	return res.Success.Bytes, nil
}

// Write submits a write of buf's contents at offset and blocks for its
// completion, returning the number of bytes actually written.
func (c *Channel) Write(ctx context.Context, buf *AlignedBuffer, offset int64) (int64, error) {
	res, err := c.completions.Submit(ctx, Operation{
		Kind:       OpWrite,
		Descriptor: c.descriptor,
		Buffer:     buf,
		Offset:     offset,
	})
	if err != nil {
		return 0, err
	}
	return res.Success.Bytes, nil
}

// Recv submits a socket receive into buf and blocks for its completion.
func (c *Channel) Recv(ctx context.Context, buf *AlignedBuffer) (int64, error) {
	res, err := c.completions.Submit(ctx, Operation{
		Kind:       OpRecv,
		Descriptor: c.descriptor,
		Buffer:     buf,
		Offset:     OffsetUnspecified,
	})
	if err != nil {
		return 0, err
	}
	return res.Success.Bytes, nil
}

// Send submits a socket send of buf's contents and blocks for its completion.
func (c *Channel) Send(ctx context.Context, buf *AlignedBuffer) (int64, error) {
	res, err := c.completions.Submit(ctx, Operation{
		Kind:       OpSend,
		Descriptor: c.descriptor,
		Buffer:     buf,
		Offset:     OffsetUnspecified,
	})
	if err != nil {
		return 0, err
	}
	return res.Success.Bytes, nil
}

// Accept submits an accept on a listening descriptor and blocks for the
// first connection, returning the accepted Descriptor.
func (c *Channel) Accept(ctx context.Context) (Descriptor, error) {
	res, err := c.completions.Submit(ctx, Operation{
		Kind:       OpAccept,
		Descriptor: c.descriptor,
		Offset:     OffsetUnspecified,
	})
	if err != nil {
		return InvalidDescriptor, err
	}
	return res.Success.Accepted, nil
}

// Connect submits a connect on the descriptor, with addr recorded on the
// Operation, and blocks until it succeeds or fails. The built-in backends do
// not pass addr to the kernel.
func (c *Channel) Connect(ctx context.Context, addr Address) error {
	_, err := c.completions.Submit(ctx, Operation{
		Kind:       OpConnect,
		Descriptor: c.descriptor,
		Addr:       addr,
		Offset:     OffsetUnspecified,
	})
	return err
}

// Fsync submits an fsync/fdatasync-equivalent flush and blocks for it.
func (c *Channel) Fsync(ctx context.Context) error {
	_, err := c.completions.Submit(ctx, Operation{
		Kind:       OpFsync,
		Descriptor: c.descriptor,
		Offset:     OffsetUnspecified,
	})
	return err
}

// Close submits a close of the underlying descriptor and blocks for it. The
// Channel must not be used again afterward.
func (c *Channel) Close(ctx context.Context) error {
	_, err := c.completions.Submit(ctx, Operation{
		Kind:       OpClose,
		Descriptor: c.descriptor,
		Offset:     OffsetUnspecified,
	})
	return err
}
