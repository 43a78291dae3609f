// Command carrayinfo opens a persisted array frame and prints its geometry
// and compression stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	carray "github.com/TuSKan/go-carray"
)

func newLogger(debug bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Logger()
	if !debug {
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

func main() {
	bucketURL := flag.String("bucket", "", "bucket URL, e.g. file:///data/arrays")
	key := flag.String("key", "", "frame key inside the bucket")
	debug := flag.Bool("debug", false, "log chunk store debug events")
	flag.Parse()

	logger := newLogger(*debug)
	if *bucketURL == "" || *key == "" {
		logger.Fatal().Msg("both -bucket and -key are required")
	}

	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, *bucketURL)
	if err != nil {
		logger.Fatal().Err(err).Str("bucket", *bucketURL).Msg("failed to open bucket")
	}
	defer bucket.Close()

	arr, err := carray.Open(ctx, bucket, *key, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("key", *key).Msg("failed to open array")
	}

	store := arr.Store()
	ratio := 0.0
	if store.CompressedSize() > 0 {
		ratio = float64(store.UncompressedSize()) / float64(store.CompressedSize())
	}

	logger.Info().
		Int("ndim", arr.NDim()).
		Ints64("shape", arr.Shape()).
		Str("chunk_shape", fmt.Sprint(arr.ChunkShape())).
		Str("block_shape", fmt.Sprint(arr.BlockShape())).
		Int("item_size", arr.ItemSize()).
		Int64("items", arr.NItems()).
		Msg("geometry")
	logger.Info().
		Int64("chunks", arr.NChunks()).
		Bool("filled", arr.Filled()).
		Int64("uncompressed_bytes", store.UncompressedSize()).
		Int64("compressed_bytes", store.CompressedSize()).
		Float64("ratio", ratio).
		Msg("storage")
}
