// Package chatbot holds the two chat-backed adapters, Telegram and Discord.
// Both store files as message attachments in one channel, so paths are
// provider identifiers rather than a directory tree: uploads mint the path
// and hand it back as the storage path.
package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/storage/driver/remote"
)

const telegramName = "TELEGRAM"

const tgBase = "https://api.telegram.org"

// Bot API hard limits.
const (
	tgUploadMax   = 50 * 1024 * 1024
	tgDownloadMax = 20 * 1024 * 1024
)

func init() {
	registry.Register(registry.Registration{
		Type:        telegramName,
		DisplayName: "Telegram",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapWriter,
		},
		Options: []registry.Option{
			{Name: "chat_id", Type: registry.OptionString, Required: true,
				Description: "Chat or channel the bot stores files in"},
			{Name: "bot_token", Type: registry.OptionSecret, RequiredOnCreate: true},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			chatID, _ := cfg["chat_id"].(string)
			if chatID == "" {
				return nil, driver.InvalidPathError{Path: "chat_id", DriverName: telegramName}
			}
			token, _ := secret["bot_token"].(string)
			if token == "" {
				return nil, driver.AccessDeniedError{Path: "/", DriverName: telegramName, Message: "bot_token is required"}
			}
			return &TelegramDriver{
				client: remote.NewClient(telegramName),
				chatID: chatID,
				token:  token,
			}, nil
		},
	})
}

// TelegramDriver stores each file as one document message. The storage path
// is "<message_id>/<file_id>"; the message id keys deletion, the file id
// keys retrieval.
type TelegramDriver struct {
	client *remote.Client
	chatID string
	token  string
}

var (
	_ driver.Driver = (*TelegramDriver)(nil)
	_ driver.Reader = (*TelegramDriver)(nil)
	_ driver.Writer = (*TelegramDriver)(nil)
)

// Type implements driver.Driver.
func (d *TelegramDriver) Type() string { return telegramName }

// Capabilities implements driver.Driver.
func (d *TelegramDriver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter}
}

func (d *TelegramDriver) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tgBase, d.token, method)
}

// call invokes one Bot API method and unwraps the {ok,result} envelope.
func (d *TelegramDriver) call(ctx context.Context, method string, body, out interface{}) error {
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := d.client.DoJSON(ctx, http.MethodPost, d.methodURL(method), nil, body, &envelope); err != nil {
		return err
	}
	if !envelope.OK {
		return driver.Error{DriverName: telegramName, Enclosed: fmt.Errorf("%s: %s", method, envelope.Description)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return driver.Error{DriverName: telegramName, Enclosed: err}
	}
	return nil
}

// splitRef parses "<message_id>/<file_id>"; messageID is 0 when the path
// carries only a file id.
func splitRef(subPath string) (messageID int64, fileID string) {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	first, rest, found := strings.Cut(clean, "/")
	if !found {
		return 0, first
	}
	id, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, clean
	}
	return id, rest
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

func (d *TelegramDriver) getFile(ctx context.Context, fileID string) (*tgFile, error) {
	var f tgFile
	err := d.call(ctx, "getFile", map[string]string{"file_id": fileID}, &f)
	if err != nil {
		if de, ok := err.(driver.Error); ok && de.Enclosed != nil &&
			strings.Contains(de.Enclosed.Error(), "file not found") {
			return nil, driver.PathNotFoundError{Path: fileID, DriverName: telegramName}
		}
		return nil, err
	}
	return &f, nil
}

// ListDirectory implements driver.Reader. The Bot API cannot enumerate a
// chat's history, so listings come from the filesystem index, not from here.
func (d *TelegramDriver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	return &driver.Listing{Path: opts.Path, Type: "directory", Items: []driver.ListItem{}}, nil
}

// GetFileInfo implements driver.Reader.
func (d *TelegramDriver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	_, fileID := splitRef(subPath)
	f, err := d.getFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	size := f.FileSize
	return &driver.FileInfo{
		Path: opts.Path,
		Name: path.Base(f.FilePath),
		Size: &size,
		ETag: fmt.Sprintf("%q", f.FileID),
	}, nil
}

// DownloadFile implements driver.Reader through the bot file endpoint.
func (d *TelegramDriver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	_, fileID := splitRef(subPath)
	f, err := d.getFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.FileSize > tgDownloadMax {
		return nil, driver.Error{
			DriverName: telegramName,
			Enclosed:   fmt.Errorf("file exceeds the 20 MB bot download limit"),
		}
	}

	size := f.FileSize
	u := fmt.Sprintf("%s/file/bot%s/%s", tgBase, d.token, f.FilePath)
	return d.client.Descriptor(u, nil, remote.DescriptorHint{
		Size: &size,
		ETag: fmt.Sprintf("%q", f.FileID),
	}), nil
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	Document  *tgFile `json:"document"`
}

// UploadFile implements driver.Writer by sending one document message. The
// multipart body streams and is not replayable, so this is a single attempt
// outside the retry policy.
func (d *TelegramDriver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	if size > tgUploadMax {
		return nil, driver.Error{
			DriverName: telegramName,
			Enclosed:   fmt.Errorf("file exceeds the 50 MB bot upload limit"),
		}
	}

	name := path.Base(strings.Trim(path.Clean("/"+subPath), "/"))
	if name == "" || name == "." {
		name = "file"
	}

	fields := map[string]string{"chat_id": d.chatID}
	resp, err := postMultipart(ctx, d.methodURL("sendDocument"), nil, fields, "document", name, content)
	if err != nil {
		return nil, driver.Error{DriverName: telegramName, Enclosed: err}
	}
	defer resp.Body.Close()
	if err := d.client.CheckStatus(resp, subPath); err != nil {
		return nil, err
	}

	var envelope struct {
		OK          bool      `json:"ok"`
		Description string    `json:"description"`
		Result      tgMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, driver.Error{DriverName: telegramName, Enclosed: err}
	}
	if !envelope.OK || envelope.Result.Document == nil {
		return nil, driver.Error{DriverName: telegramName, Enclosed: fmt.Errorf("sendDocument: %s", envelope.Description)}
	}

	msg := envelope.Result
	return &driver.UploadResult{
		Success:     true,
		StoragePath: fmt.Sprintf("/%d/%s", msg.MessageID, msg.Document.FileID),
	}, nil
}

// UpdateFile implements driver.Writer: send the replacement, then drop the
// old message.
func (d *TelegramDriver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	oldMsg, fileID := splitRef(subPath)
	if _, err := d.getFile(ctx, fileID); err != nil {
		return nil, err
	}

	res, err := d.UploadFile(ctx, subPath, content, size, opts)
	if err != nil {
		return nil, err
	}
	if oldMsg != 0 {
		d.deleteMessage(ctx, oldMsg)
	}
	return &driver.UpdateResult{Success: true, Path: res.StoragePath}, nil
}

// CreateDirectory implements driver.Writer. Chats have no folders; the
// logical tree lives in the filesystem index.
func (d *TelegramDriver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

// RenameItem implements driver.Writer. The stored path is a provider
// identifier, so renames are not expressible.
func (d *TelegramDriver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	return nil, driver.Error{
		DriverName: telegramName,
		Enclosed:   fmt.Errorf("renames are not expressible in a chat backend"),
	}
}

// CopyItem implements driver.Writer; the copy engine falls back to streaming.
func (d *TelegramDriver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	return nil, driver.Error{
		DriverName: telegramName,
		Enclosed:   fmt.Errorf("server-side copies are not expressible in a chat backend"),
	}
}

func (d *TelegramDriver) deleteMessage(ctx context.Context, messageID int64) error {
	return d.call(ctx, "deleteMessage", map[string]interface{}{
		"chat_id":    d.chatID,
		"message_id": messageID,
	}, nil)
}

// BatchRemoveItems implements driver.Writer by deleting the carrier message.
func (d *TelegramDriver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		messageID, _ := splitRef(sub)
		if messageID == 0 {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{
				Path: sub, Error: "path carries no message id",
			})
			continue
		}
		if err := d.deleteMessage(ctx, messageID); err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// postMultipart sends one streaming multipart/form-data request with the
// given string fields and one file part.
func postMultipart(ctx context.Context, url string, headers, fields map[string]string, fileField, fileName string, content io.Reader) (*http.Response, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile(fileField, fileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return http.DefaultClient.Do(req)
}
