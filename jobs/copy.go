package jobs

import (
	"context"
	"fmt"
	"io"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/mount"
	"github.com/filehub/filehub/quota"
	"github.com/filehub/filehub/storage/driver"
)

// CopyPair is one source/target assignment.
type CopyPair struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

// Copier implements the copy task: native server-side copy when both ends
// share a backend, byte streaming otherwise.
type Copier struct {
	Mounts *mount.Manager
	Quota  *quota.Engine

	// OverwriteExisting copies over an existing target instead of skipping
	// it.
	OverwriteExisting bool
}

// Items builds the job item list from pairs; the pair string is the stable
// item identity.
func (c *Copier) Items(pairs []CopyPair) []Item {
	items := make([]Item, len(pairs))
	for i, p := range pairs {
		items[i] = Item{ID: p.SourcePath + " -> " + p.TargetPath, Payload: p}
	}
	return items
}

// Run processes one pair.
func (c *Copier) Run(ctx context.Context, item Item, progress Progress) error {
	pair, ok := item.Payload.(CopyPair)
	if !ok {
		return fmt.Errorf("copy item %q has no pair payload", item.ID)
	}

	src, err := c.Mounts.Resolve(ctx, pair.SourcePath)
	if err != nil {
		return fmt.Errorf("resolving source: %w", err)
	}
	dst, err := c.Mounts.Resolve(ctx, pair.TargetPath)
	if err != nil {
		return fmt.Errorf("resolving target: %w", err)
	}

	if src.Config.ID == dst.Config.ID && src.Driver.Capabilities().Has(driver.CapWriter) {
		return c.copyNative(ctx, src, dst, pair)
	}
	return c.copyStreaming(ctx, src, dst, pair, progress)
}

func (c *Copier) copyNative(ctx context.Context, src, dst *mount.Resolution, pair CopyPair) error {
	w := src.Driver.(driver.Writer)
	res, err := w.CopyItem(ctx, src.SubPath, dst.SubPath, driver.RenamePair{
		Source:    pair.SourcePath,
		Target:    pair.TargetPath,
		SourceSub: src.SubPath,
		TargetSub: dst.SubPath,
		Channel:   "internal",
	})
	if err != nil {
		return err
	}

	switch res.Status {
	case driver.CopySuccess:
		return nil
	case driver.CopySkipped:
		if c.OverwriteExisting {
			// The backend refused because the target exists; replace it
			// through the streaming path.
			return c.copyStreaming(ctx, src, dst, pair, func(int64) {})
		}
		return fmt.Errorf("%w: %s", ErrSkipped, res.Reason)
	default:
		return fmt.Errorf("copy failed: %s", res.Message)
	}
}

func (c *Copier) copyStreaming(ctx context.Context, src, dst *mount.Resolution, pair CopyPair, progress Progress) error {
	reader, ok := src.Driver.(driver.Reader)
	if !ok || !src.Driver.Capabilities().Has(driver.CapReader) {
		return fmt.Errorf("source backend %s cannot read", src.Config.StorageType)
	}
	writer, ok := dst.Driver.(driver.Writer)
	if !ok || !dst.Driver.Capabilities().Has(driver.CapWriter) {
		return fmt.Errorf("target backend %s cannot write", dst.Config.StorageType)
	}

	if !c.OverwriteExisting {
		if _, err := reader2(dst.Driver).GetFileInfo(ctx, dst.SubPath, driver.CallOptions{
			Path: pair.TargetPath, SubPath: dst.SubPath, Channel: "internal",
		}); err == nil {
			return fmt.Errorf("%w: target already exists", ErrSkipped)
		}
	}

	desc, err := reader.DownloadFile(ctx, src.SubPath, driver.CallOptions{
		Path: pair.SourcePath, SubPath: src.SubPath, Channel: "internal",
	})
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}

	size := int64(-1)
	if desc.Size != nil {
		size = *desc.Size
	}
	if size > 0 {
		if err := c.Quota.Admit(ctx, dst.Config.ID, size, nil); err != nil {
			return err
		}
	}

	handle, err := desc.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening source stream: %w", err)
	}
	defer handle.Close()

	counted := &countingReader{r: handle.Reader, progress: progress}
	res, err := writer.UploadFile(ctx, dst.SubPath, counted, size, driver.CallOptions{
		Path: pair.TargetPath, SubPath: dst.SubPath, Channel: "internal",
	})
	if err != nil {
		return fmt.Errorf("writing target: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("target rejected upload: %s", res.Message)
	}

	dcontext.GetLogger(ctx).Debugf("copied %s to %s (%d bytes)",
		pair.SourcePath, pair.TargetPath, counted.n)
	return nil
}

// reader2 returns the target's reader view for existence checks; targets
// that cannot stat simply report absent.
func reader2(d driver.Driver) driver.Reader {
	if r, ok := d.(driver.Reader); ok {
		return r
	}
	return unreadable{}
}

type unreadable struct{}

func (unreadable) ListDirectory(context.Context, string, driver.CallOptions) (*driver.Listing, error) {
	return nil, driver.PathNotFoundError{Path: "/"}
}
func (unreadable) GetFileInfo(context.Context, string, driver.CallOptions) (*driver.FileInfo, error) {
	return nil, driver.PathNotFoundError{Path: "/"}
}
func (unreadable) DownloadFile(context.Context, string, driver.CallOptions) (*driver.StreamDescriptor, error) {
	return nil, driver.PathNotFoundError{Path: "/"}
}

type countingReader struct {
	r        io.Reader
	n        int64
	progress Progress
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if n > 0 && c.progress != nil {
		c.progress(c.n)
	}
	return n, err
}
