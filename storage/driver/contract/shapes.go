package contract

import (
	"github.com/filehub/filehub/storage/driver"
)

// The shape checks below mirror the declared result contract of each driver
// method. They exist because the compiler can only guarantee the struct, not
// the semantics: a driver can still echo the wrong path, leave a required
// field zero, or smuggle failure through a success shape.

func (e *Enforcer) checkListing(l *driver.Listing, opts driver.CallOptions) error {
	const m = "ListDirectory"
	switch {
	case l == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case l.Type != "directory":
		return violation(e.Type(), m, "result type %q, want %q", l.Type, "directory")
	case l.Path != opts.Path:
		return violation(e.Type(), m, "result path %q does not echo call path %q", l.Path, opts.Path)
	case l.Items == nil:
		return violation(e.Type(), m, "items must be a list, not null")
	}
	for i, item := range l.Items {
		if item.Path == "" || item.Name == "" {
			return violation(e.Type(), m, "item %d missing path or name", i)
		}
	}
	return nil
}

func (e *Enforcer) checkFileInfo(fi *driver.FileInfo, opts driver.CallOptions) error {
	const m = "GetFileInfo"
	switch {
	case fi == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case fi.Path != opts.Path:
		return violation(e.Type(), m, "result path %q does not echo call path %q", fi.Path, opts.Path)
	case fi.Name == "":
		return violation(e.Type(), m, "name is required")
	}
	return nil
}

func (e *Enforcer) checkCreateDir(r *driver.CreateDirResult, opts driver.CallOptions) error {
	const m = "CreateDirectory"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case !r.Success:
		return violation(e.Type(), m, "success=false with nil error")
	case r.Path != opts.Path:
		return violation(e.Type(), m, "result path %q does not echo call path %q", r.Path, opts.Path)
	}
	return nil
}

func (e *Enforcer) checkUpload(r *driver.UploadResult) error {
	const m = "UploadFile"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case !r.Success:
		return violation(e.Type(), m, "success=false with nil error")
	case r.StoragePath == "":
		return violation(e.Type(), m, "storagePath is required")
	}
	return nil
}

func (e *Enforcer) checkUpdate(r *driver.UpdateResult, opts driver.CallOptions) error {
	const m = "UpdateFile"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case !r.Success:
		return violation(e.Type(), m, "success=false with nil error")
	case r.Path != opts.Path:
		return violation(e.Type(), m, "result path %q does not echo call path %q", r.Path, opts.Path)
	}
	return nil
}

func (e *Enforcer) checkRename(r *driver.RenameResult, pair driver.RenamePair) error {
	const m = "RenameItem"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case !r.Success:
		return violation(e.Type(), m, "success=false with nil error")
	case r.Source != pair.Source:
		return violation(e.Type(), m, "result source %q does not echo call source %q", r.Source, pair.Source)
	case r.Target != pair.Target:
		return violation(e.Type(), m, "result target %q does not echo call target %q", r.Target, pair.Target)
	}
	return nil
}

func (e *Enforcer) checkCopy(r *driver.CopyResult, pair driver.RenamePair) error {
	const m = "CopyItem"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case r.Status != driver.CopySuccess && r.Status != driver.CopySkipped && r.Status != driver.CopyFailed:
		return violation(e.Type(), m, "status %q not in {success,skipped,failed}", r.Status)
	case r.Source != pair.Source:
		return violation(e.Type(), m, "result source %q does not echo call source %q", r.Source, pair.Source)
	case r.Target != pair.Target:
		return violation(e.Type(), m, "result target %q does not echo call target %q", r.Target, pair.Target)
	case r.Error != "":
		return violation(e.Type(), m, "the error field is forbidden; use status and message")
	}
	if r.Status == driver.CopySkipped {
		if !r.Skipped || r.Reason == "" {
			return violation(e.Type(), m, "skipped result requires skipped=true and a reason")
		}
	} else if r.Skipped {
		return violation(e.Type(), m, "skipped=true with status %q", r.Status)
	}
	return nil
}

func (e *Enforcer) checkBatchRemove(r *driver.BatchRemoveResult) error {
	const m = "BatchRemoveItems"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case r.Succeeded < 0:
		return violation(e.Type(), m, "success count %d is negative", r.Succeeded)
	case r.Failed == nil:
		return violation(e.Type(), m, "failed must be a list, not null")
	}
	for i, f := range r.Failed {
		if f.Path == "" || f.Error == "" {
			return violation(e.Type(), m, "failed entry %d missing path or error", i)
		}
	}
	return nil
}

func (e *Enforcer) checkDownloadURL(r *driver.DownloadURL) error {
	const m = "GenerateDownloadURL"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case r.URL == "":
		return violation(e.Type(), m, "url is required")
	case r.Type != "custom_host" && r.Type != "native_direct":
		return violation(e.Type(), m, "type %q not in {custom_host,native_direct}", r.Type)
	}
	return nil
}

func (e *Enforcer) checkProxyURL(r *driver.ProxyURL) error {
	const m = "GenerateProxyURL"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case r.URL == "":
		return violation(e.Type(), m, "url is required")
	case r.Type != "proxy":
		return violation(e.Type(), m, "type %q, want %q", r.Type, "proxy")
	}
	return nil
}

func (e *Enforcer) checkUploadURL(r *driver.UploadURL) error {
	const m = "GenerateUploadURL"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case r.UploadURL == "" && !r.SkipUpload:
		return violation(e.Type(), m, "uploadUrl may be empty only with skipUpload")
	case r.StoragePath == "":
		return violation(e.Type(), m, "storagePath is required")
	}
	return nil
}

func (e *Enforcer) checkMultipartInit(r *driver.MultipartInitResult) error {
	const m = "InitializeFrontendMultipartUpload"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case !r.Success:
		return violation(e.Type(), m, "success=false with nil error")
	case r.UploadID == "":
		return violation(e.Type(), m, "uploadId is required")
	}
	switch r.Strategy {
	case driver.StrategyPerPartURL:
		if r.PartSize <= 0 {
			return violation(e.Type(), m, "per_part_url strategy requires partSize > 0")
		}
	case driver.StrategySingleSession:
		if r.SessionURL == "" {
			return violation(e.Type(), m, "single_session strategy requires sessionUrl")
		}
	default:
		return violation(e.Type(), m, "strategy %q not in {per_part_url,single_session}", r.Strategy)
	}
	return nil
}

func (e *Enforcer) checkMultipartSign(r *driver.MultipartSignResult) error {
	const m = "SignMultipartParts"
	switch {
	case r == nil:
		return violation(e.Type(), m, "nil result with nil error")
	case !r.Success:
		return violation(e.Type(), m, "success=false with nil error")
	case r.UploadID == "":
		return violation(e.Type(), m, "uploadId is required")
	}
	switch r.Strategy {
	case driver.StrategyPerPartURL:
		if len(r.Parts) == 0 {
			return violation(e.Type(), m, "per_part_url strategy requires signed parts")
		}
		for i, p := range r.Parts {
			if p.URL == "" || p.PartNumber <= 0 {
				return violation(e.Type(), m, "signed part %d missing url or part number", i)
			}
		}
	case driver.StrategySingleSession:
		// Session uploads need no per-part URLs.
	default:
		return violation(e.Type(), m, "strategy %q not in {per_part_url,single_session}", r.Strategy)
	}
	return nil
}
