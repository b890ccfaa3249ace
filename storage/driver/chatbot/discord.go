package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/storage/driver/remote"
)

const discordName = "DISCORD"

const discordBase = "https://discord.com/api/v10"

// Default attachment ceiling for non-boosted servers.
const discordUploadMax = 25 * 1024 * 1024

func init() {
	registry.Register(registry.Registration{
		Type:        discordName,
		DisplayName: "Discord",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapWriter, driver.CapPagedList,
		},
		Options: []registry.Option{
			{Name: "channel_id", Type: registry.OptionString, Required: true,
				Description: "Channel the bot stores files in"},
			{Name: "bot_token", Type: registry.OptionSecret, RequiredOnCreate: true},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			channelID, _ := cfg["channel_id"].(string)
			if channelID == "" {
				return nil, driver.InvalidPathError{Path: "channel_id", DriverName: discordName}
			}
			token, _ := secret["bot_token"].(string)
			if token == "" {
				return nil, driver.AccessDeniedError{Path: "/", DriverName: discordName, Message: "bot_token is required"}
			}
			return &DiscordDriver{
				client:    remote.NewClient(discordName),
				channelID: channelID,
				token:     token,
			}, nil
		},
	})
}

// DiscordDriver stores each file as one message attachment. The storage path
// is "<message_id>/<filename>". Unlike Telegram, the channel history is
// enumerable, so listings work natively.
type DiscordDriver struct {
	client    *remote.Client
	channelID string
	token     string
}

var (
	_ driver.Driver = (*DiscordDriver)(nil)
	_ driver.Reader = (*DiscordDriver)(nil)
	_ driver.Writer = (*DiscordDriver)(nil)
)

// Type implements driver.Driver.
func (d *DiscordDriver) Type() string { return discordName }

// Capabilities implements driver.Driver.
func (d *DiscordDriver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter, driver.CapPagedList}
}

func (d *DiscordDriver) headers() map[string]string {
	return map[string]string{"Authorization": "Bot " + d.token}
}

func (d *DiscordDriver) messagesURL() string {
	return discordBase + "/channels/" + url.PathEscape(d.channelID) + "/messages"
}

type discordAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type discordMessage struct {
	ID          string              `json:"id"`
	Timestamp   time.Time           `json:"timestamp"`
	Attachments []discordAttachment `json:"attachments"`
}

// splitDiscordRef parses "<message_id>/<filename>".
func splitDiscordRef(subPath string) (messageID, filename string) {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	messageID, filename, _ = strings.Cut(clean, "/")
	return messageID, filename
}

func (d *DiscordDriver) message(ctx context.Context, messageID string) (*discordMessage, error) {
	var msg discordMessage
	u := d.messagesURL() + "/" + url.PathEscape(messageID)
	if err := d.client.DoJSON(ctx, http.MethodGet, u, d.headers(), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *DiscordDriver) attachment(ctx context.Context, subPath string) (*discordMessage, *discordAttachment, error) {
	messageID, filename := splitDiscordRef(subPath)
	if messageID == "" || filename == "" {
		return nil, nil, driver.PathNotFoundError{Path: subPath, DriverName: discordName}
	}
	msg, err := d.message(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	for i := range msg.Attachments {
		if msg.Attachments[i].Filename == filename {
			return msg, &msg.Attachments[i], nil
		}
	}
	return nil, nil, driver.PathNotFoundError{Path: subPath, DriverName: discordName}
}

// ListDirectory implements driver.Reader over the channel history, newest
// first. The page token is the last message id of the previous page.
func (d *DiscordDriver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	v := url.Values{}
	v.Set("limit", "100")
	if opts.PageToken != "" {
		v.Set("before", opts.PageToken)
	}

	var messages []discordMessage
	if err := d.client.DoJSON(ctx, http.MethodGet, d.messagesURL()+"?"+v.Encode(), d.headers(), nil, &messages); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(opts.Path, "/")
	listing := &driver.Listing{Path: opts.Path, Type: "directory", Items: []driver.ListItem{}}
	for _, msg := range messages {
		for _, a := range msg.Attachments {
			size := a.Size
			mod := msg.Timestamp
			listing.Items = append(listing.Items, driver.ListItem{
				Path:     base + "/" + msg.ID + "/" + a.Filename,
				Name:     a.Filename,
				Size:     &size,
				Modified: &mod,
			})
		}
	}
	if len(messages) == 100 {
		listing.NextPageToken = messages[len(messages)-1].ID
	}
	return listing, nil
}

// GetFileInfo implements driver.Reader.
func (d *DiscordDriver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	msg, a, err := d.attachment(ctx, subPath)
	if err != nil {
		return nil, err
	}

	size := a.Size
	mod := msg.Timestamp
	return &driver.FileInfo{
		Path:        opts.Path,
		Name:        a.Filename,
		Size:        &size,
		Modified:    &mod,
		ContentType: a.ContentType,
		ETag:        fmt.Sprintf("%q", a.ID),
	}, nil
}

// DownloadFile implements driver.Reader over the attachment CDN URL, which
// serves Range requests.
func (d *DiscordDriver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	msg, a, err := d.attachment(ctx, subPath)
	if err != nil {
		return nil, err
	}

	size := a.Size
	mod := msg.Timestamp
	return d.client.Descriptor(a.URL, nil, remote.DescriptorHint{
		Size:         &size,
		ContentType:  a.ContentType,
		ETag:         fmt.Sprintf("%q", a.ID),
		LastModified: &mod,
	}), nil
}

// UploadFile implements driver.Writer by posting one attachment message.
// The multipart body streams and is not replayable, so this is a single
// attempt outside the retry policy.
func (d *DiscordDriver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	if size > discordUploadMax {
		return nil, driver.Error{
			DriverName: discordName,
			Enclosed:   fmt.Errorf("file exceeds the 25 MB attachment limit"),
		}
	}

	name := path.Base(strings.Trim(path.Clean("/"+subPath), "/"))
	if name == "" || name == "." {
		name = "file"
	}

	resp, err := postMultipart(ctx, d.messagesURL(), d.headers(), nil, "files[0]", name, content)
	if err != nil {
		return nil, driver.Error{DriverName: discordName, Enclosed: err}
	}
	defer resp.Body.Close()
	if err := d.client.CheckStatus(resp, subPath); err != nil {
		return nil, err
	}

	var msg discordMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, driver.Error{DriverName: discordName, Enclosed: err}
	}
	if len(msg.Attachments) == 0 {
		return nil, driver.Error{DriverName: discordName, Enclosed: fmt.Errorf("message created without attachment")}
	}

	return &driver.UploadResult{
		Success:     true,
		StoragePath: "/" + msg.ID + "/" + msg.Attachments[0].Filename,
	}, nil
}

// UpdateFile implements driver.Writer: post the replacement, then drop the
// old message.
func (d *DiscordDriver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	oldID, _ := splitDiscordRef(subPath)
	if _, _, err := d.attachment(ctx, subPath); err != nil {
		return nil, err
	}

	res, err := d.UploadFile(ctx, subPath, content, size, opts)
	if err != nil {
		return nil, err
	}
	d.deleteMessage(ctx, oldID)
	return &driver.UpdateResult{Success: true, Path: res.StoragePath}, nil
}

// CreateDirectory implements driver.Writer. Channels have no folders; the
// logical tree lives in the filesystem index.
func (d *DiscordDriver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

// RenameItem implements driver.Writer. The stored path is a provider
// identifier, so renames are not expressible.
func (d *DiscordDriver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	return nil, driver.Error{
		DriverName: discordName,
		Enclosed:   fmt.Errorf("renames are not expressible in a chat backend"),
	}
}

// CopyItem implements driver.Writer; the copy engine falls back to streaming.
func (d *DiscordDriver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	return nil, driver.Error{
		DriverName: discordName,
		Enclosed:   fmt.Errorf("server-side copies are not expressible in a chat backend"),
	}
}

func (d *DiscordDriver) deleteMessage(ctx context.Context, messageID string) error {
	u := d.messagesURL() + "/" + url.PathEscape(messageID)
	return d.client.DoJSON(ctx, http.MethodDelete, u, d.headers(), nil, nil)
}

// BatchRemoveItems implements driver.Writer by deleting the carrier message.
func (d *DiscordDriver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		messageID, _ := splitDiscordRef(sub)
		if messageID == "" {
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
