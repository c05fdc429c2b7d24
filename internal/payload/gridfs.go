package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSConfig holds the MongoDB settings of the document store.
type GridFSConfig struct {
	URI            string
	Database       string
	Bucket         string
	ChunkSizeBytes int32
	// OperationTimeout bounds every driver call and any stream that runs
	// under a context without a deadline.
	OperationTimeout time.Duration
}

// GridFSStore keeps documents in a GridFS bucket, using the key as file id.
type GridFSStore struct {
	client  *mongo.Client
	bucket  *gridfs.Bucket
	timeout time.Duration
}

func NewGridFSStore(ctx context.Context, cfg GridFSConfig) (*GridFSStore, error) {
	timeout := cfg.OperationTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	bucketName := cfg.Bucket
	if bucketName == "" {
		bucketName = "documents"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(client.Database(cfg.Database), options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}
	return &GridFSStore{client: client, bucket: bucket, timeout: timeout}, nil
}

// Put uploads data under key. A file left by an earlier attempt is replaced.
func (s *GridFSStore) Put(ctx context.Context, key string, data []byte) error {
	err := s.upload(ctx, key, data)
	if mongo.IsDuplicateKeyError(err) {
		if derr := s.bucket.DeleteContext(ctx, key); derr != nil && !errors.Is(derr, gridfs.ErrFileNotFound) {
			return fmt.Errorf("replacing payload %s: %w", key, derr)
		}
		err = s.upload(ctx, key, data)
	}
	if err != nil {
		return fmt.Errorf("uploading payload %s: %w", key, err)
	}
	return nil
}

func (s *GridFSStore) upload(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := options.GridFSUpload().SetMetadata(bson.M{"size": len(data)})
	us, err := s.bucket.OpenUploadStreamWithID(key, key, opts)
	if err != nil {
		return err
	}
	if err := us.SetWriteDeadline(streamDeadline(ctx, s.timeout)); err != nil {
		_ = us.Abort()
		return err
	}
	if _, err := us.Write(data); err != nil {
		_ = us.Abort()
		return err
	}
	return us.Close()
}

func (s *GridFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds, err := s.bucket.OpenDownloadStream(key)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening payload %s: %w", key, err)
	}
	defer ds.Close()
	if err := ds.SetReadDeadline(streamDeadline(ctx, s.timeout)); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, ds); err != nil {
		return nil, fmt.Errorf("downloading payload %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// streamDeadline is the context deadline, or now plus fallback when ctx has none.
func streamDeadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

func (s *GridFSStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.DeleteContext(ctx, key)
	if err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
		return fmt.Errorf("deleting payload %s: %w", key, err)
	}
	return nil
}

func (s *GridFSStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *GridFSStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
