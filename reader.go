package pbzip2

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type readerOpts struct {
	decOpts  []ParallelOption
	scanOpts []ScannerOption
}

// ReaderOption configures NewParallelReader.
type ReaderOption func(o *readerOpts)

// WithScannerOptions passes ScannerOptions to the Scanner
// NewParallelReader creates internally.
func WithScannerOptions(opts ...ScannerOption) ReaderOption {
	return func(o *readerOpts) {
		o.scanOpts = append(o.scanOpts, opts...)
	}
}

// WithDecoderOptions passes ParallelOptions to the ParallelDecoder
// NewParallelReader creates internally.
func WithDecoderOptions(opts ...ParallelOption) ReaderOption {
	return func(o *readerOpts) {
		o.decOpts = append(o.decOpts, opts...)
	}
}

type parallelReader struct {
	ctx   context.Context
	errCh chan error
	wg    *sync.WaitGroup
	dc    *ParallelDecoder
}

// NewParallelReader returns an io.Reader that scans rd for bzip2
// blocks and decodes them concurrently, reassembling the plaintext in
// order.
func NewParallelReader(ctx context.Context, rd io.Reader, opts ...ReaderOption) io.Reader {
	rdOpts := &readerOpts{}
	for _, fn := range opts {
		fn(rdOpts)
	}
	sc := NewScanner(rd, rdOpts.scanOpts...)
	dc := NewParallelDecoder(ctx, rdOpts.decOpts...)

	errCh := make(chan error, 1)
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		errCh <- feedScanner(ctx, sc, dc)
		close(errCh)
		wg.Done()
	}()
	return &parallelReader{
		ctx:   ctx,
		errCh: errCh,
		dc:    dc,
		wg:    wg,
	}
}

// feedScanner guarantees dc.Finish will have been called. Any non-nil
// error it returns should be surfaced by the final Read call.
func feedScanner(ctx context.Context, sc *Scanner, dc *ParallelDecoder) error {
	wantCRC, err := scanInto(ctx, sc, dc)
	if err != nil {
		dc.Cancel(err)
		dc.Finish()
		return err
	}
	gotCRC, err := dc.Finish()
	if err != nil {
		return err
	}
	if gotCRC != wantCRC {
		return fmt.Errorf("bzip2: stream checksum mismatch: got 0x%08x, want 0x%08x", gotCRC, wantCRC)
	}
	return nil
}

// scanInto feeds every scanned block to dc and returns the trailer's
// whole-stream CRC once the end-of-stream marker is reached.
func scanInto(ctx context.Context, sc *Scanner, dc *ParallelDecoder) (uint32, error) {
	var wantCRC uint32
	for sc.Scan(ctx) {
		b := sc.Block()
		// An EOS block with no data means the stream held no blocks at
		// all (header immediately followed by the trailer); there is
		// nothing to decode.
		if !(b.EOS && b.SizeInBits == 0) {
			if err := dc.Decompress(b.StreamBlockSize, b.Data, b.BitOffset, b.SizeInBits, b.CRC); err != nil {
				return 0, err
			}
		}
		if b.EOS {
			wantCRC = b.StreamCRC
		}
	}
	return wantCRC, sc.Err()
}

// handleErrorOrCancel surfaces an error from the feeder goroutine, or
// context cancellation, without blocking.
func (rd *parallelReader) handleErrorOrCancel() error {
	select {
	case err := <-rd.errCh:
		return err
	case <-rd.ctx.Done():
		return rd.ctx.Err()
	default:
		return nil
	}
}

// Read implements io.Reader.
func (rd *parallelReader) Read(buf []byte) (int, error) {
	if err := rd.handleErrorOrCancel(); err != nil {
		rd.dc.Cancel(err)
		rd.wg.Wait()
		return 0, err
	}
	n, err := rd.dc.Read(buf)
	if err == nil {
		return n, nil
	}

	rd.wg.Wait()

	// Catch errors sent after the decoder finished, such as a CRC
	// mismatch discovered only once the stream trailer is reached.
	select {
	case cerr := <-rd.errCh:
		if err != io.EOF {
			return n, err
		}
		if cerr != nil {
			return n, cerr
		}
	default:
	}
	return n, err
}
