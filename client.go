package tftp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// maxDatagram is the single per-iteration receive scratch buffer size: 512
// bytes of DATA payload plus the 4-byte opcode/block header.
const maxDatagram = DataBlockSize + 4

// Options carries the parameters common to Download and Upload, per
// spec.md §6.
type Options struct {
	// ServerAddr is the initial address the request is sent to. The
	// server's actual transfer-ID (port) is adopted from its first reply.
	ServerAddr net.Addr

	// BaseTimeout is the receive deadline used for the first attempt at
	// each block, and the value the backoff resets to on every forward
	// transfer progress. Must be positive.
	BaseTimeout time.Duration

	// MaxTimeout caps the exponential backoff. Must be >= BaseTimeout.
	MaxTimeout time.Duration

	// MaxRetries is the number of consecutive receive timeouts, with no
	// forward progress, at which the engine fails. Must be >= 1.
	MaxRetries int

	// Logger receives structured tracing of the transfer's state machine.
	// A nil Logger disables logging entirely.
	Logger *zerolog.Logger
}

func (o Options) validate() error {
	if o.BaseTimeout <= 0 {
		return ErrInvalidOptions
	}
	if o.MaxTimeout < o.BaseTimeout {
		return ErrInvalidOptions
	}
	if o.MaxRetries < 1 {
		return ErrInvalidOptions
	}
	if o.ServerAddr == nil {
		return ErrInvalidOptions
	}
	return nil
}

func (o Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// growTimeout applies the ×1.5 backoff step, clamped to max.
func growTimeout(timeout, max time.Duration) time.Duration {
	timeout += timeout / 2
	if timeout > max {
		timeout = max
	}
	return timeout
}

// Download performs a complete RFC 1350 read transfer, returning the
// downloaded file contents.
//
// filename must not contain an embedded NUL byte. ctx is checked at every
// loop iteration, so cancellation takes effect at the engine's two
// suspension points (send, receive-with-deadline).
func Download(ctx context.Context, t Transport, filename string, opts Options) ([]byte, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	rrq, err := NewRequestPacket(OpRRQ, filename, ModeOctet)
	if err != nil {
		return nil, &Error{Kind: KindBadFilename, Err: err}
	}

	log := opts.logger()
	log.Debug().Str("filename", filename).Msg("download: start")

	srv := opts.ServerAddr
	lastBlockN := -1
	var buffer []byte
	done := false

	ph := phaseSend
	var pendingTx Packet = rrq
	retriesLeft := opts.MaxRetries
	timeout := opts.BaseTimeout
	recvBuf := make([]byte, maxDatagram)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch ph {
		case phaseSend:
			retriesLeft = opts.MaxRetries
			timeout = opts.BaseTimeout
			log.Debug().Str("event", "tx").Int("block", blockOf(pendingTx)).Dur("timeout", timeout).Msg(describe(pendingTx))
			if err := t.SendTo(pendingTx.Bytes(), srv); err != nil {
				logTerminal(log, "download", KindSocketIO, err)
				return nil, &Error{Kind: KindSocketIO, Err: err}
			}
			if done {
				log.Debug().Int("bytes", len(buffer)).Msg("download: complete")
				return buffer, nil
			}
			ph = phaseRecv

		case phaseSendAgain:
			log.Debug().Str("event", "tx-retry").Int("block", blockOf(pendingTx)).Dur("timeout", timeout).Msg(describe(pendingTx))
			if err := t.SendTo(pendingTx.Bytes(), srv); err != nil {
				logTerminal(log, "download", KindSocketIO, err)
				return nil, &Error{Kind: KindSocketIO, Err: err}
			}
			ph = phaseRecv

		case phaseRecv:
			n, peer, err := t.RecvFrom(recvBuf, timeout)
			if err != nil {
				if isTimeout(err) {
					retriesLeft--
					log.Debug().Str("event", "timeout").Int("retries_left", retriesLeft).Dur("timeout", timeout).Msg("download: timeout")
					if retriesLeft == 0 {
						logTerminal(log, "download", KindTimeout, ErrTimeout)
						return nil, &Error{Kind: KindTimeout, Err: ErrTimeout}
					}
					timeout = growTimeout(timeout, opts.MaxTimeout)
					ph = phaseSendAgain
					continue
				}
				logTerminal(log, "download", KindSocketIO, err)
				return nil, &Error{Kind: KindSocketIO, Err: err}
			}

			if lastBlockN != -1 && !sameTID(srv, peer) {
				log.Debug().Str("peer", peer.String()).Msg("download: dropping datagram from unknown TID")
				continue
			}

			pkt, derr := DecodePacket(recvBuf[:n])
			if derr != nil {
				logTerminal(log, "download", KindParse, derr)
				return nil, &Error{Kind: KindParse, Err: derr}
			}

			if lastBlockN == -1 {
				srv = peer
				log.Debug().Str("event", "tid-lock").Str("peer", peer.String()).Msg("download: tid locked")
			}

			switch p := pkt.(type) {
			case *DataPacket:
				lastBlockN = int(p.Block)
				buffer = append(buffer, p.Data...)
				if len(p.Data) < DataBlockSize {
					done = true
				}
				pendingTx = &AckPacket{Block: p.Block}
				ph = phaseSend
			case *ErrorPacket:
				logTerminal(log, "download", KindProtocol, p)
				return nil, &Error{Kind: KindProtocol, Code: p.Code, Msg: p.Msg, Err: p}
			default:
				err := &Error{Kind: KindUnexpectedPacket, Packet: pkt}
				logTerminal(log, "download", KindUnexpectedPacket, err)
				return nil, err
			}
		}
	}
}

// Upload performs a complete RFC 1350 write transfer of payload.
//
// filename must not contain an embedded NUL byte. ctx is checked at every
// loop iteration, so cancellation takes effect at the engine's two
// suspension points (send, receive-with-deadline).
func Upload(ctx context.Context, t Transport, filename string, payload []byte, opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	wrq, err := NewRequestPacket(OpWRQ, filename, ModeOctet)
	if err != nil {
		return &Error{Kind: KindBadFilename, Err: err}
	}

	log := opts.logger()
	log.Debug().Str("filename", filename).Int("bytes", len(payload)).Msg("upload: start")

	chunks := chunkPayload(payload)
	n := len(chunks)

	srv := opts.ServerAddr
	lastBlockN := -1

	ph := phaseSend
	var pendingTx Packet = wrq
	retriesLeft := opts.MaxRetries
	timeout := opts.BaseTimeout
	recvBuf := make([]byte, maxDatagram)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch ph {
		case phaseSend:
			retriesLeft = opts.MaxRetries
			timeout = opts.BaseTimeout
			log.Debug().Str("event", "tx").Int("block", blockOf(pendingTx)).Dur("timeout", timeout).Msg(describe(pendingTx))
			if err := t.SendTo(pendingTx.Bytes(), srv); err != nil {
				logTerminal(log, "upload", KindSocketIO, err)
				return &Error{Kind: KindSocketIO, Err: err}
			}
			ph = phaseRecv

		case phaseSendAgain:
			log.Debug().Str("event", "tx-retry").Int("block", blockOf(pendingTx)).Dur("timeout", timeout).Msg(describe(pendingTx))
			if err := t.SendTo(pendingTx.Bytes(), srv); err != nil {
				logTerminal(log, "upload", KindSocketIO, err)
				return &Error{Kind: KindSocketIO, Err: err}
			}
			ph = phaseRecv

		case phaseRecv:
			nn, peer, err := t.RecvFrom(recvBuf, timeout)
			if err != nil {
				if isTimeout(err) {
					retriesLeft--
					log.Debug().Str("event", "timeout").Int("retries_left", retriesLeft).Dur("timeout", timeout).Msg("upload: timeout")
					if retriesLeft == 0 {
						logTerminal(log, "upload", KindTimeout, ErrTimeout)
						return &Error{Kind: KindTimeout, Err: ErrTimeout}
					}
					timeout = growTimeout(timeout, opts.MaxTimeout)
					ph = phaseSendAgain
					continue
				}
				logTerminal(log, "upload", KindSocketIO, err)
				return &Error{Kind: KindSocketIO, Err: err}
			}

			if lastBlockN != -1 && !sameTID(srv, peer) {
				log.Debug().Str("peer", peer.String()).Msg("upload: dropping datagram from unknown TID")
				continue
			}

			pkt, derr := DecodePacket(recvBuf[:nn])
			if derr != nil {
				logTerminal(log, "upload", KindParse, derr)
				return &Error{Kind: KindParse, Err: derr}
			}

			if lastBlockN == -1 {
				srv = peer
				log.Debug().Str("event", "tid-lock").Str("peer", peer.String()).Msg("upload: tid locked")
			}

			switch p := pkt.(type) {
			case *AckPacket:
				block := int(p.Block)
				switch {
				case lastBlockN == -1:
					lastBlockN = block
				case block == lastBlockN:
					// Duplicate ack: Sorcerer's Apprentice suppression.
					// Stay in Recv without retransmitting or touching
					// the retry counters.
					log.Debug().Str("event", "dup-ack").Int("block", block).Msg("upload: duplicate ack, suppressing retransmit")
					continue
				default:
					lastBlockN = block
				}

				if block == n {
					log.Debug().Msg("upload: complete")
					return nil
				}
				pendingTx = &DataPacket{Block: uint16(block + 1), Data: chunks[block]}
				ph = phaseSend
			case *ErrorPacket:
				logTerminal(log, "upload", KindProtocol, p)
				return &Error{Kind: KindProtocol, Code: p.Code, Msg: p.Msg, Err: p}
			default:
				err := &Error{Kind: KindUnexpectedPacket, Packet: pkt}
				logTerminal(log, "upload", KindUnexpectedPacket, err)
				return err
			}
		}
	}
}

// chunkPayload partitions payload into DataBlockSize chunks. If the
// payload length is a whole multiple of DataBlockSize (including zero), an
// implicit empty final chunk is appended so the last DATA packet sent is
// always shorter than DataBlockSize, signaling end-of-file per RFC 1350.
func chunkPayload(payload []byte) [][]byte {
	var chunks [][]byte
	for i := 0; i < len(payload); i += DataBlockSize {
		end := i + DataBlockSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[i:end])
	}
	if len(payload)%DataBlockSize == 0 {
		chunks = append(chunks, []byte{})
	}
	return chunks
}

type phase int

const (
	phaseSend phase = iota
	phaseSendAgain
	phaseRecv
)

// blockOf extracts the block number carried by p, or -1 for packets that
// don't carry one (RequestPacket, ErrorPacket), so tx log lines always have
// a block field to filter on.
func blockOf(p Packet) int {
	switch v := p.(type) {
	case *DataPacket:
		return int(v.Block)
	case *AckPacket:
		return int(v.Block)
	default:
		return -1
	}
}

// logTerminal logs the terminal error a Download/Upload call is about to
// return.
func logTerminal(log zerolog.Logger, op string, kind ErrorKind, err error) {
	log.Error().Str("event", "terminal").Str("kind", kind.String()).Err(err).Msg(op + ": failed")
}

func describe(p Packet) string {
	switch v := p.(type) {
	case *RequestPacket:
		return v.Opcode.String() + " " + v.Filename
	case *DataPacket:
		return fmt.Sprintf("DATA block:%d (%d bytes)", v.Block, len(v.Data))
	case *AckPacket:
		return fmt.Sprintf("ACK block:%d", v.Block)
	case *ErrorPacket:
		return fmt.Sprintf("ERROR code:%s msg:%s", v.Code, v.Msg)
	default:
		return "?"
	}
}
