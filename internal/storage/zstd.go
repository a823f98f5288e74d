package storage

import (
	"errors"
	"io"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

// ZSTDStorage wraps another storage with seekable zstd compression. Keys and
// sizes are those of the compressed blobs.
type ZSTDStorage struct {
	storage SeekableStorage
}

func NewZSTDStorage(storage SeekableStorage) *ZSTDStorage {
	return &ZSTDStorage{storage: storage}
}

func (z *ZSTDStorage) Writer(key string) (io.WriteCloser, error) {
	w, err := z.storage.Writer(key)
	if err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		w.Close()
		return nil, err
	}

	seekableWriter, err := seekable.NewWriter(w, encoder)
	if err != nil {
		w.Close()
		encoder.Close()
		return nil, err
	}

	return &zstdWriteCloser{
		seekableWriter: seekableWriter,
		underlying:     w,
		encoder:        encoder,
	}, nil
}

func (z *ZSTDStorage) Reader(key string) (io.ReadCloser, error) {
	return z.SeekableReader(key)
}

// SeekableReader seeks within the decompressed stream.
func (z *ZSTDStorage) SeekableReader(key string) (ReadSeekCloser, error) {
	r, err := z.storage.SeekableReader(key)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		r.Close()
		return nil, err
	}

	seekableReader, err := seekable.NewReader(r, decoder)
	if err != nil {
		decoder.Close()
		r.Close()
		return nil, err
	}

	return &zstdReader{
		seekableReader: seekableReader,
		underlying:     r,
		decoder:        decoder,
	}, nil
}

func (z *ZSTDStorage) Exists(key string) (bool, error) {
	return z.storage.Exists(key)
}

func (z *ZSTDStorage) Size(key string) (int64, error) {
	return z.storage.Size(key)
}

func (z *ZSTDStorage) Delete(key string) error {
	return z.storage.Delete(key)
}

func (z *ZSTDStorage) List(prefix string) ([]string, error) {
	return z.storage.List(prefix)
}

type zstdWriteCloser struct {
	seekableWriter seekable.Writer
	underlying     io.WriteCloser
	encoder        *zstd.Encoder
}

func (w *zstdWriteCloser) Write(p []byte) (n int, err error) {
	return w.seekableWriter.Write(p)
}

// Close writes the seek table before closing the underlying blob.
func (w *zstdWriteCloser) Close() error {
	if err := w.seekableWriter.Close(); err != nil {
		w.underlying.Close()
		return err
	}
	w.encoder.Close()
	return w.underlying.Close()
}

type zstdReader struct {
	seekableReader seekable.Reader
	underlying     io.ReadCloser
	decoder        *zstd.Decoder
}

func (r *zstdReader) Read(p []byte) (n int, err error) {
	return r.seekableReader.Read(p)
}

func (r *zstdReader) Seek(offset int64, whence int) (int64, error) {
	return r.seekableReader.Seek(offset, whence)
}

func (r *zstdReader) ReadAt(p []byte, off int64) (n int, err error) {
	return r.seekableReader.ReadAt(p, off)
}

func (r *zstdReader) Close() error {
	err := r.seekableReader.Close()
	r.decoder.Close()
	return errors.Join(err, r.underlying.Close())
}
