package server

import (
	"net/http"
	"strings"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/mount"
	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/stream"
)

// logicalPath strips the route prefix from the request path. Mux keeps the
// full path on PathPrefix routes.
func (s *Server) logicalPath(r *http.Request, routePrefix string) string {
	p := r.URL.Path
	if cfgPrefix := s.config.HTTP.Prefix; cfgPrefix != "" && cfgPrefix != "/" {
		p = strings.TrimPrefix(p, strings.TrimSuffix(cfgPrefix, "/"))
	}
	return "/" + strings.TrimPrefix(strings.TrimPrefix(p, routePrefix), "/")
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, logical string) *mount.Resolution {
	res, err := s.mounts.Resolve(r.Context(), logical)
	if err != nil {
		s.writeError(w, r, err)
		return nil
	}
	return res
}

// mountRel is the path of a resolution relative to its mount root, the
// convention of the index and its dirty queue.
func mountRel(res *mount.Resolution) string {
	prefix := strings.TrimSuffix(res.Mount.MountPath, "/")
	return "/" + strings.TrimPrefix(strings.TrimPrefix(res.LogicalPath, prefix), "/")
}

func callOptions(res *mount.Resolution, ch stream.Channel) driver.CallOptions {
	return driver.CallOptions{
		Path:    res.LogicalPath,
		SubPath: res.SubPath,
		Channel: string(ch),
	}
}

// handleFileGet serves a file through the range service, or a directory as a
// JSON listing.
func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := s.resolve(w, r, s.logicalPath(r, "/files"))
	if res == nil {
		return
	}
	reader, ok := res.Driver.(driver.Reader)
	if !ok {
		s.writeError(w, r, errcode.ErrorCodeUnsupported)
		return
	}
	opts := callOptions(res, stream.ChannelFsWeb)

	info, err := reader.GetFileInfo(ctx, res.SubPath, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if info.IsDirectory {
		opts.PageToken = r.URL.Query().Get("pageToken")
		listing, err := reader.ListDirectory(ctx, res.SubPath, opts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, listing)
		return
	}

	desc, err := reader.DownloadFile(ctx, res.SubPath, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream.ServeDescriptor(w, r, desc, stream.Options{
		Channel: stream.ChannelFsWeb,
		Path:    res.LogicalPath,
	})
}

// handleFilePut uploads a body, guarded by storage admission.
func (s *Server) handleFilePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := s.resolve(w, r, s.logicalPath(r, "/files"))
	if res == nil {
		return
	}
	writer, ok := res.Driver.(driver.Writer)
	if !ok {
		s.writeError(w, r, errcode.ErrorCodeUnsupported)
		return
	}
	opts := callOptions(res, stream.ChannelFsWeb)

	// A replaced file credits its old size against the limit.
	var oldBytes *int64
	if reader, ok := res.Driver.(driver.Reader); ok {
		if info, err := reader.GetFileInfo(ctx, res.SubPath, opts); err == nil && !info.IsDirectory {
			oldBytes = info.Size
		}
	}

	if err := s.quota.Admit(ctx, res.Config.ID, r.ContentLength, oldBytes); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := writer.UploadFile(ctx, res.SubPath, r.Body, r.ContentLength, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.EnqueueDirty(ctx, res.Mount.ID, mountRel(res), "upsert"); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("enqueueing index dirty entry")
	}
	s.writeJSON(w, http.StatusCreated, result)
}

// handleFileDelete removes one path.
func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := s.resolve(w, r, s.logicalPath(r, "/files"))
	if res == nil {
		return
	}
	writer, ok := res.Driver.(driver.Writer)
	if !ok {
		s.writeError(w, r, errcode.ErrorCodeUnsupported)
		return
	}

	result, err := writer.BatchRemoveItems(ctx, []string{res.SubPath}, callOptions(res, stream.ChannelFsWeb))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.EnqueueDirty(ctx, res.Mount.ID, mountRel(res), "delete"); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("enqueueing index dirty entry")
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleProxyGet streams through the proxy channel with its cache policy.
func (s *Server) handleProxyGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := s.resolve(w, r, s.logicalPath(r, "/p"))
	if res == nil {
		return
	}
	reader, ok := res.Driver.(driver.Reader)
	if !ok {
		s.writeError(w, r, errcode.ErrorCodeUnsupported)
		return
	}

	desc, err := reader.DownloadFile(ctx, res.SubPath, callOptions(res, stream.ChannelProxy))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream.ServeDescriptor(w, r, desc, stream.Options{
		Channel: stream.ChannelProxy,
		Path:    res.LogicalPath,
	})
}
