package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/jobs"
	"github.com/filehub/filehub/quota"
	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/store"
	"github.com/filehub/filehub/version"
)

// storageTypeView is one row of GET /api/storage-types.
type storageTypeView struct {
	Type            string                 `json:"type"`
	DisplayName     string                 `json:"displayName"`
	Capabilities    []driver.Capability    `json:"capabilities"`
	UI              map[string]interface{} `json:"ui,omitempty"`
	ConfigSchema    []registry.Option      `json:"configSchema"`
	ProviderOptions map[string]interface{} `json:"providerOptions,omitempty"`
}

func (s *Server) handleStorageTypes(w http.ResponseWriter, r *http.Request) {
	regs := registry.List()
	out := make([]storageTypeView, 0, len(regs))
	for _, reg := range regs {
		out = append(out, storageTypeView{
			Type:            reg.Type,
			DisplayName:     reg.DisplayName,
			Capabilities:    reg.Capabilities,
			ConfigSchema:    reg.Options,
			ProviderOptions: reg.ProviderOptions,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// configRequest is the create/update body for a storage config.
type configRequest struct {
	Name              string          `json:"name"`
	StorageType       string          `json:"storageType"`
	Config            registry.Config `json:"config"`
	Secrets           registry.Config `json:"secrets,omitempty"`
	TotalStorageBytes *int64          `json:"totalStorageBytes,omitempty"`
	EnableDiskUsage   bool            `json:"enableDiskUsage"`
	IsDefault         bool            `json:"isDefault"`
	IsPublic          bool            `json:"isPublic"`
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("unparsable request body: "+err.Error()))
		return false
	}
	return true
}

// validateConfig runs schema validation and returns the normalized config,
// or writes the validation error response.
func (s *Server) validateConfig(w http.ResponseWriter, r *http.Request, reg registry.Registration, cfg registry.Config, onCreate bool) (registry.Config, bool) {
	normalized := reg.ApplyDefaults(cfg)
	result := reg.ValidateConfig(normalized, onCreate)
	if !result.Valid {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithDetail(result.Errors))
		return nil, false
	}
	return normalized, true
}

func (s *Server) sealSecrets(secrets registry.Config) ([]byte, error) {
	if len(secrets) == 0 {
		return nil, nil
	}
	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, err
	}
	return s.box.Seal(plain)
}

// projectedConfig returns the config row with its config_json projected
// through the registration, secrets redacted.
func (s *Server) projectedConfig(cfg *store.StorageConfig) map[string]interface{} {
	out := map[string]interface{}{
		"id":                cfg.ID,
		"name":              cfg.Name,
		"storageType":       cfg.StorageType,
		"totalStorageBytes": cfg.TotalStorageBytes,
		"enableDiskUsage":   cfg.EnableDiskUsage,
		"isDefault":         cfg.IsDefault,
		"isPublic":          cfg.IsPublic,
		"createdAt":         cfg.CreatedAt,
	}

	var conf registry.Config
	if cfg.ConfigJSON != "" {
		_ = json.Unmarshal([]byte(cfg.ConfigJSON), &conf)
	}
	if reg, ok := registry.Get(cfg.StorageType); ok {
		conf = reg.ProjectConfig(conf, registry.ProjectOptions{})
	}
	out["config"] = conf
	return out
}

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.store.ListStorageConfigs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(cfgs))
	for i := range cfgs {
		out = append(out, s.projectedConfig(&cfgs[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetStorageConfig(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.projectedConfig(cfg))
}

func (s *Server) handleConfigCreate(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("name is required"))
		return
	}
	if !registry.Available(req.StorageType) {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("unknown storage type "+req.StorageType))
		return
	}
	reg, _ := registry.Get(req.StorageType)

	// Secrets participate in validation but are persisted separately.
	merged := make(registry.Config, len(req.Config)+len(req.Secrets))
	for k, v := range req.Config {
		merged[k] = v
	}
	for k, v := range req.Secrets {
		merged[k] = v
	}
	normalized, ok := s.validateConfig(w, r, reg, merged, true)
	if !ok {
		return
	}
	for _, opt := range reg.Options {
		if opt.Type == registry.OptionSecret {
			delete(normalized, opt.Name)
		}
	}

	configJSON, err := json.Marshal(normalized)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cipher, err := s.sealSecrets(req.Secrets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cfg := &store.StorageConfig{
		Name:              req.Name,
		StorageType:       req.StorageType,
		ConfigJSON:        string(configJSON),
		SecretCipher:      cipher,
		TotalStorageBytes: req.TotalStorageBytes,
		EnableDiskUsage:   req.EnableDiskUsage,
		IsDefault:         req.IsDefault,
		IsPublic:          req.IsPublic,
	}
	if err := s.store.CreateStorageConfig(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.projectedConfig(cfg))
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.store.GetStorageConfig(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req configRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	reg, ok := registry.Get(cfg.StorageType)
	if !ok {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("storage type no longer registered"))
		return
	}

	// Updates may omit secrets to keep the stored values.
	normalized, valid := s.validateConfig(w, r, reg, req.Config, false)
	if !valid {
		return
	}

	configJSON, err := json.Marshal(normalized)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name != "" {
		cfg.Name = req.Name
	}
	cfg.ConfigJSON = string(configJSON)
	cfg.TotalStorageBytes = req.TotalStorageBytes
	cfg.EnableDiskUsage = req.EnableDiskUsage
	cfg.IsDefault = req.IsDefault
	cfg.IsPublic = req.IsPublic
	if len(req.Secrets) > 0 {
		cipher, err := s.sealSecrets(req.Secrets)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cfg.SecretCipher = cipher
	}

	if err := s.store.UpdateStorageConfig(ctx, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mounts.Invalidate(cfg.ID)
	s.writeJSON(w, http.StatusOK, s.projectedConfig(cfg))
}

func (s *Server) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteStorageConfig(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mounts.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

// testReport is the response of POST .../storage-config/{id}/test.
type testReport struct {
	Version     string                 `json:"version"`
	StorageType string                 `json:"storageType"`
	Info        map[string]interface{} `json:"info"`
	Checks      []registry.Check       `json:"checks"`
	Diagnostics []string               `json:"diagnostics,omitempty"`
	Timing      struct {
		DurationMs int64 `json:"durationMs"`
	} `json:"timing"`
}

func (s *Server) handleConfigTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.store.GetStorageConfig(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reg, ok := registry.Get(cfg.StorageType)
	if !ok {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("storage type no longer registered"))
		return
	}

	started := time.Now()
	report := testReport{
		Version:     version.Version(),
		StorageType: cfg.StorageType,
		Info: map[string]interface{}{
			"displayName":  reg.DisplayName,
			"capabilities": reg.Capabilities,
		},
	}

	d, err := s.mounts.DriverFor(ctx, cfg)
	if err != nil {
		report.Checks = append(report.Checks, registry.Check{
			Name: "construct", OK: false, Detail: err.Error(),
		})
		report.Diagnostics = append(report.Diagnostics, err.Error())
	} else {
		report.Checks = append(report.Checks, registry.Check{Name: "construct", OK: true})
		if reg.Test != nil {
			report.Checks = append(report.Checks, reg.Test(ctx, d)...)
		} else {
			report.Checks = append(report.Checks, defaultChecks(ctx, d)...)
		}
	}

	report.Timing.DurationMs = time.Since(started).Milliseconds()
	s.writeJSON(w, http.StatusOK, report)
}

// defaultChecks is the capability-derived test sequence used when a backend
// declares no bespoke tester.
func defaultChecks(ctx context.Context, d driver.Driver) []registry.Check {
	var checks []registry.Check
	timed := func(name string, run func() error) {
		started := time.Now()
		check := registry.Check{Name: name, OK: true}
		if err := run(); err != nil {
			check.OK = false
			check.Detail = err.Error()
		}
		check.DurationMs = time.Since(started).Milliseconds()
		checks = append(checks, check)
	}

	if reader, ok := d.(driver.Reader); ok {
		timed("list_root", func() error {
			_, err := reader.ListDirectory(ctx, "/", driver.CallOptions{Path: "/", SubPath: "/"})
			return err
		})
	}
	if sp, ok := d.(driver.StatsProvider); ok {
		timed("provider_quota", func() error {
			_, err := sp.Stats(ctx)
			return err
		})
	}
	return checks
}

// mountRequest is the create body for a mount.
type mountRequest struct {
	StorageConfigID  string `json:"storageConfigId"`
	MountPath        string `json:"mountPath"`
	DefaultSubfolder string `json:"defaultSubfolder"`
}

func (s *Server) handleMountList(w http.ResponseWriter, r *http.Request) {
	mounts, err := s.store.ListMounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mounts)
}

func (s *Server) handleMountCreate(w http.ResponseWriter, r *http.Request) {
	var req mountRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.MountPath == "" || req.StorageConfigID == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("mountPath and storageConfigId are required"))
		return
	}
	if _, err := s.store.GetStorageConfig(r.Context(), req.StorageConfigID); err != nil {
		s.writeError(w, r, err)
		return
	}

	mnt := &store.Mount{
		StorageConfigID:  req.StorageConfigID,
		MountPath:        req.MountPath,
		DefaultSubfolder: req.DefaultSubfolder,
	}
	if err := s.store.CreateMount(r.Context(), mnt); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, mnt)
}

func (s *Server) handleMountDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMount(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// usageRow is one storage entry of GET .../storage/usage.
type usageRow struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	StorageType          string                 `json:"storageType"`
	ConfiguredLimitBytes *int64                 `json:"configuredLimitBytes,omitempty"`
	ComputedUsage        map[string]interface{} `json:"computedUsage,omitempty"`
	ProviderUsage        *quota.Usage           `json:"providerUsage,omitempty"`
	LimitStatus          *limitStatus           `json:"limitStatus,omitempty"`
}

type limitStatus struct {
	LimitBytes  int64   `json:"limitBytes"`
	PercentUsed float64 `json:"percentUsed"`
	Exceeded    bool    `json:"exceeded"`
}

// handleUsage reports the persisted usage snapshot per config. The figures
// come from the metrics cache; the refresh endpoint recomputes them.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfgs, err := s.store.ListStorageConfigs(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rows := make([]usageRow, 0, len(cfgs))
	for i := range cfgs {
		cfg := &cfgs[i]
		row := usageRow{
			ID:                   cfg.ID,
			Name:                 cfg.Name,
			StorageType:          cfg.StorageType,
			ConfiguredLimitBytes: cfg.TotalStorageBytes,
			ProviderUsage:        s.quota.CachedProviderUsage(ctx, cfg),
		}

		snap, err := s.store.GetSnapshot(ctx, store.ScopeStorageConfig, cfg.ID, store.MetricComputedUsed)
		if err == nil && snap != nil && snap.ValueNum != nil {
			usage := map[string]interface{}{"usedBytes": *snap.ValueNum}
			if snap.ValueText != nil {
				usage["source"] = *snap.ValueText
			}
			if snap.SnapshotAtMs != nil {
				usage["snapshotAt"] = time.UnixMilli(*snap.SnapshotAtMs).UTC()
			}
			if snap.ValueJSONText != nil {
				var details map[string]interface{}
				if json.Unmarshal([]byte(*snap.ValueJSONText), &details) == nil {
					usage["details"] = details
				}
			}
			row.ComputedUsage = usage

			if cfg.TotalStorageBytes != nil && *cfg.TotalStorageBytes > 0 {
				limit := *cfg.TotalStorageBytes
				used := *snap.ValueNum
				row.LimitStatus = &limitStatus{
					LimitBytes:  limit,
					PercentUsed: float64(used) / float64(limit) * 100,
					Exceeded:    used > limit,
				}
			}
		}
		rows = append(rows, row)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"storages":    rows,
		"generatedAt": time.Now().UTC(),
	})
}

func (s *Server) handleUsageRefresh(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runner.RunNow(r.Context(), jobs.HandlerUsageRefresh)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (s *Server) handleScheduledJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListScheduledJobs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleScheduledRuns(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("taskId is required"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.store.ListJobRuns(r.Context(), taskID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleScheduledTicker(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Ticker())
}

func (s *Server) handleScheduledRunNow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("taskId is required"))
		return
	}

	runID, err := s.runner.RunNow(r.Context(), req.TaskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (s *Server) handleScheduledCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"taskId"`
		RunID  string `json:"runId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	cancelled := s.runner.Cancel(req.TaskID, req.RunID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
