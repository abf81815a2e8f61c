package pbzip2

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimblezip/pbzip2/internal/bitscan"
	"github.com/nimblezip/pbzip2/internal/bzcrc"
)

type parallelOpts struct {
	verbose     bool
	concurrency int
	pool        ThreadPool
	progressCh  chan<- Progress
}

// ParallelOption configures a ParallelDecoder.
type ParallelOption func(*parallelOpts)

// WithVerboseParallelLogging controls verbose logging of block
// dispatch and reassembly.
func WithVerboseParallelLogging(v bool) ParallelOption {
	return func(o *parallelOpts) { o.verbose = v }
}

// WithConcurrency sets the number of blocks decoded concurrently, when
// no explicit ThreadPool is given via WithThreadPool.
func WithConcurrency(n int) ParallelOption {
	return func(o *parallelOpts) { o.concurrency = n }
}

// WithThreadPool supplies the ThreadPool blocks are dispatched to,
// overriding WithConcurrency's default fixed pool.
func WithThreadPool(p ThreadPool) ParallelOption {
	return func(o *parallelOpts) { o.pool = p }
}

// WithProgress sets a channel progress reports are sent to as each
// block is decoded and reassembled in order.
func WithProgress(ch chan<- Progress) ParallelOption {
	return func(o *parallelOpts) { o.progressCh = ch }
}

// Progress reports on one correctly-ordered decode event.
type Progress struct {
	Duration         time.Duration
	Block            uint64
	CRC              uint32
	Compressed, Size int
}

// ParallelDecoder decodes the blocks produced by a Scanner
// concurrently, each on its own ThreadPool goroutine, and reassembles
// their plaintext in the original block order. Feed it blocks with
// Decompress, in the order Scanner.Scan produces them; read the
// reassembled plaintext via Read.
type ParallelDecoder struct {
	order uint64 // must stay first in the struct: accessed atomically.

	ctx        context.Context
	workWg     sync.WaitGroup
	doneWg     sync.WaitGroup
	workCh     chan *blockDesc
	doneCh     chan *blockDesc
	progressCh chan<- Progress
	pool       ThreadPool
	prd        *io.PipeReader
	pwr        *io.PipeWriter

	heap      *blockHeap
	streamCRC uint32
	verbose   bool
}

// NewParallelDecoder creates a ParallelDecoder. Call Decompress for
// each block a Scanner yields, then Finish exactly once.
func NewParallelDecoder(ctx context.Context, opts ...ParallelOption) *ParallelDecoder {
	o := parallelOpts{
		concurrency: runtime.GOMAXPROCS(-1),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.pool == nil {
		o.pool = NewFixedThreadPool(o.concurrency)
	}
	dc := &ParallelDecoder{
		ctx:        ctx,
		doneCh:     make(chan *blockDesc, o.pool.Capacity()),
		workCh:     make(chan *blockDesc, o.pool.Capacity()),
		progressCh: o.progressCh,
		pool:       o.pool,
		heap:       &blockHeap{},
		verbose:    o.verbose,
	}
	dc.prd, dc.pwr = io.Pipe()
	heap.Init(dc.heap)
	dc.workWg.Add(o.pool.Capacity())
	dc.doneWg.Add(1)
	for i := 0; i < o.pool.Capacity(); i++ {
		go func() {
			dc.worker(ctx, dc.workCh, dc.doneCh)
			dc.workWg.Done()
		}()
	}
	go func() {
		dc.assemble(ctx, dc.doneCh)
		dc.doneWg.Done()
	}()
	return dc
}

type blockDesc struct {
	order         uint64
	crc           uint32
	bzipBlockSize int
	block         []byte
	blockSizeBits int
	offset        int

	err         error
	data        []byte
	computedCRC uint32
	duration    time.Duration
}

func (b *blockDesc) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v: crc %v, size %v, offset %v", b.order, b.crc, len(b.block), b.offset)
}

func (dc *ParallelDecoder) trace(format string, args ...any) {
	if dc.verbose {
		log.Printf("pbzip2: "+format, args...)
	}
}

func (b *blockDesc) decompress() {
	start := time.Now()
	b.data, b.computedCRC, b.err = decodeRawBlock(b.bzipBlockSize, b.block, b.offset)
	b.duration = time.Since(start)
}

func (dc *ParallelDecoder) worker(ctx context.Context, in <-chan *blockDesc, out chan<- *blockDesc) {
	for {
		select {
		case bd, ok := <-in:
			if !ok {
				return
			}
			dc.workWg.Add(1)
			dc.pool.Submit(func() {
				defer dc.workWg.Done()
				dc.trace("decoding: %s", bd)
				bd.decompress()
				dc.trace("decoded: %s", bd)
				select {
				case out <- bd:
				case <-ctx.Done():
				}
			})
		case <-ctx.Done():
			return
		}
	}
}

// Decompress submits one scanned block for decode. bzipBlockSize is
// the stream's declared uncompressed block size in bytes; block,
// offset and sizeInBits describe the raw compressed bytes as returned
// by Scanner.Block; crc is the block's stored CRC.
func (dc *ParallelDecoder) Decompress(bzipBlockSize int, block []byte, offset int, sizeInBits int, crc uint32) error {
	order := atomic.AddUint64(&dc.order, 1)
	select {
	case dc.workCh <- &blockDesc{
		order:         order,
		crc:           crc,
		block:         block,
		blockSizeBits: sizeInBits,
		bzipBlockSize: bzipBlockSize,
		offset:        offset,
	}:
	case <-dc.ctx.Done():
		return dc.ctx.Err()
	}
	return nil
}

// Cancel unblocks any readers and the Finish call.
func (dc *ParallelDecoder) Cancel(err error) {
	dc.pwr.CloseWithError(err)
}

// Finish waits for all outstanding decodes and their reassembly to
// complete. Call it exactly once, after the last Decompress call.
func (dc *ParallelDecoder) Finish() (crc uint32, err error) {
	select {
	case <-dc.ctx.Done():
		err = dc.ctx.Err()
	default:
	}
	close(dc.workCh)
	dc.workWg.Wait()
	close(dc.doneCh)
	dc.doneWg.Wait()
	crc = dc.streamCRC
	return
}

type blockHeap []*blockDesc

func (h blockHeap) Len() int           { return len(h) }
func (h blockHeap) Less(i, j int) bool { return h[i].order < h[j].order }
func (h blockHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *blockHeap) Push(x any) {
	*h = append(*h, x.(*blockDesc))
}

func (h *blockHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// tryMergeBlocks attempts to recover from a block decode failure
// caused by a false-positive match of the block magic inside a
// preceding block's compressed payload: it re-attaches the following
// block (re-inserting the block magic between them) and retries the
// decode once. This can only be defeated by two false positives inside
// the same block, which given typical block sizes is far less likely
// than one.
func (dc *ParallelDecoder) tryMergeBlocks(ctx context.Context, ch <-chan *blockDesc, min *blockDesc) bool {
	for {
		for len(*dc.heap) < 1 {
			select {
			case bd, ok := <-ch:
				if !ok {
					return false
				}
				heap.Push(dc.heap, bd)
			case <-ctx.Done():
				err := ctx.Err()
				dc.trace("tryMergeBlocks: %v", err)
				dc.pwr.CloseWithError(err)
				return false
			}
		}
		if (*dc.heap)[0].order == min.order+1 {
			break
		}
	}
	next := (*dc.heap)[0]
	var bwr bitscan.BitWriter
	// The first block has an offset into its first byte and a size in
	// bits, so the sum of those is needed to correctly reflect its
	// length when appending to it.
	bwr.Init(min.block, min.blockSizeBits+min.offset, len(min.block)+len(next.block)+len(scanBlockMagic)+1)
	bwr.Append(scanBlockMagic[:], 0, len(scanBlockMagic)*8)
	bwr.Append(next.block, next.offset, next.blockSizeBits)
	min.block, min.blockSizeBits = bwr.Data()

	min.decompress()
	if min.err != nil {
		return false
	}
	if min.computedCRC != min.crc {
		return false
	}
	heap.Remove(dc.heap, 0)
	return true
}

func (dc *ParallelDecoder) assemble(ctx context.Context, ch <-chan *blockDesc) {
	defer dc.pwr.Close()
	expected := uint64(1)
	for {
		select {
		case bd, ok := <-ch:
			if ok {
				heap.Push(dc.heap, bd)
			}
			for len(*dc.heap) > 0 {
				min := (*dc.heap)[0]
				if min.order != expected {
					break
				}
				heap.Remove(dc.heap, 0)
				expected++
				err := min.err
				if err == nil && min.computedCRC != min.crc {
					err = fmt.Errorf("bzip2: block checksum mismatch: got 0x%08x, want 0x%08x", min.computedCRC, min.crc)
				}
				if err != nil {
					if !dc.tryMergeBlocks(ctx, ch, min) {
						dc.pwr.CloseWithError(err)
						return
					}
					expected++
				}
				if _, err := dc.pwr.Write(min.data); err != nil {
					dc.pwr.CloseWithError(err)
					return
				}
				dc.streamCRC = bzcrc.Combine(dc.streamCRC, min.crc)
				if dc.progressCh != nil {
					dc.progressCh <- Progress{
						Duration:   min.duration,
						Block:      min.order,
						CRC:        min.crc,
						Compressed: len(min.block),
						Size:       len(min.data),
					}
				}
			}
			if !ok && len(*dc.heap) == 0 {
				return
			}
		case <-ctx.Done():
			err := ctx.Err()
			dc.trace("assemble: %v", err)
			dc.pwr.CloseWithError(err)
			return
		}
	}
}

// Read implements io.Reader over the reassembled, decoded stream.
func (dc *ParallelDecoder) Read(buf []byte) (int, error) {
	return dc.prd.Read(buf)
}
