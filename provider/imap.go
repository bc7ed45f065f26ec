package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/sirupsen/logrus"

	"mailpilot/mailparse"
)

// IMAPConfig carries the connection parameters plus the account's stored
// watermark. The watermark is only consulted here; advancing it after a
// successful run is the orchestrator's job.
type IMAPConfig struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string

	LastSyncedUID  uint32
	UIDValidity    uint32
	InitialScanCap int

	Logger *logrus.Entry
}

// IMAPClient wraps one logged-in IMAP session with INBOX selected.
type IMAPClient struct {
	c    *client.Client
	cfg  IMAPConfig
	mbox *imap.MailboxStatus
}

// DialIMAP connects, logs in, and selects INBOX. TLS on port 993 is the
// default; plaintext dial is kept for local test servers only.
func DialIMAP(cfg IMAPConfig) (*IMAPClient, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var imapClient *client.Client
	var err error
	if cfg.UseTLS {
		imapClient, err = client.DialTLS(addr, &tls.Config{ServerName: cfg.Host})
	} else {
		imapClient, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := imapClient.Login(cfg.Username, cfg.Password); err != nil {
		imapClient.Logout()
		return nil, fmt.Errorf("IMAP login rejected: %w", ErrAuthExpired)
	}

	mbox, err := imapClient.Select("INBOX", true)
	if err != nil {
		imapClient.Logout()
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	if cfg.InitialScanCap <= 0 {
		cfg.InitialScanCap = 100
	}
	return &IMAPClient{c: imapClient, cfg: cfg, mbox: mbox}, nil
}

// searchWindow decides how the listing searches the mailbox: incremental
// above the stored watermark, or a full scan when there is no watermark or
// the mailbox UIDVALIDITY changed since the last sync (server-side rebuild,
// the stored UID is meaningless). The second return reports the reset so
// the orchestrator can re-baseline the watermark.
func searchWindow(cfg IMAPConfig, currentValidity uint32) (*imap.SearchCriteria, bool) {
	reset := cfg.UIDValidity != 0 && currentValidity != cfg.UIDValidity
	criteria := imap.NewSearchCriteria()
	if cfg.LastSyncedUID > 0 && !reset {
		seq := new(imap.SeqSet)
		seq.AddRange(cfg.LastSyncedUID+1, 0)
		criteria.Uid = seq
	}
	return criteria, reset
}

// capNewest bounds a full-scan result to the newest max UIDs so the first
// sync (or a post-reset re-scan) never walks an entire mailbox.
func capNewest(uids []uint32, max int) []uint32 {
	if max <= 0 || len(uids) <= max {
		return uids
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids[len(uids)-max:]
}

// List returns the incremental UID window. A UIDVALIDITY change since the
// last sync falls back to a bounded full scan and flags the reset.
func (c *IMAPClient) List(ctx context.Context) (*Listing, error) {
	validity := c.mbox.UidValidity
	criteria, reset := searchWindow(c.cfg, validity)
	if reset && c.cfg.Logger != nil {
		c.cfg.Logger.WithFields(logrus.Fields{
			"stored":  c.cfg.UIDValidity,
			"current": validity,
		}).Warn("UIDVALIDITY changed, restarting from full scan")
	}

	uids, err := c.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("UID search failed: %w", err)
	}
	if criteria.Uid == nil {
		uids = capNewest(uids, c.cfg.InitialScanCap)
	}

	listing := &Listing{UIDValidity: validity, WatermarkReset: reset}
	if len(uids) == 0 {
		return listing, nil
	}

	// An envelope-only fetch resolves stable Message-Ids cheaply so the
	// cache check can skip bodies we already hold, including after a
	// UIDVALIDITY reset where every UID looks new.
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid}, messages)
	}()

	for msg := range messages {
		listing.Refs = append(listing.Refs, MessageRef{
			ExternalID: c.externalID(msg, validity),
			UID:        msg.Uid,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("envelope fetch failed: %w", err)
	}
	return listing, nil
}

func (c *IMAPClient) externalID(msg *imap.Message, validity uint32) string {
	if msg.Envelope != nil && msg.Envelope.MessageId != "" {
		return msg.Envelope.MessageId
	}
	return fmt.Sprintf("imap-%d-%d", validity, msg.Uid)
}

func (c *IMAPClient) Fetch(ctx context.Context, ref MessageRef) (*RawMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(ref.UID)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seqset, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch failed for UID %d: %w", ref.UID, err)
	}
	if fetched == nil {
		return nil, fmt.Errorf("UID %d not found", ref.UID)
	}

	literal := fetched.GetBody(section)
	if literal == nil {
		return nil, fmt.Errorf("message body not found for UID %d", ref.UID)
	}

	entity, err := message.Read(literal)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	root, err := mailparse.FromEntity(entity)
	if err != nil {
		return nil, err
	}

	raw := &RawMessage{
		ExternalID: ref.ExternalID,
		UID:        fetched.Uid,
		Root:       root,
	}
	if fetched.Envelope != nil {
		raw.ReceivedAt = fetched.Envelope.Date.UTC()
		raw.ThreadID = fetched.Envelope.InReplyTo
	}
	return raw, nil
}

// FetchAttachment re-fetches the full message and descends to the body
// section path recorded at decode time (e.g. "2.1").
func (c *IMAPClient) FetchAttachment(ctx context.Context, ref MessageRef, attachmentID string) ([]byte, error) {
	raw, err := c.fetchEntity(ref)
	if err != nil {
		return nil, err
	}
	return entitySection(raw, attachmentID)
}

func (c *IMAPClient) fetchEntity(ref MessageRef) (*message.Entity, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(ref.UID)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch failed for UID %d: %w", ref.UID, err)
	}
	if fetched == nil {
		return nil, fmt.Errorf("UID %d not found", ref.UID)
	}
	literal := fetched.GetBody(section)
	if literal == nil {
		return nil, fmt.Errorf("message body not found for UID %d", ref.UID)
	}
	entity, err := message.Read(literal)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return entity, nil
}

func entitySection(e *message.Entity, path string) ([]byte, error) {
	indices := strings.Split(path, ".")
	current := e
	for _, idxStr := range indices {
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, fmt.Errorf("invalid body section %q", path)
		}
		mr := current.MultipartReader()
		if mr == nil {
			if idx == 1 {
				break
			}
			return nil, fmt.Errorf("body section %q not found", path)
		}
		var sub *message.Entity
		for i := 1; i <= idx; i++ {
			sub, err = mr.NextPart()
			if err != nil {
				return nil, fmt.Errorf("body section %q not found: %w", path, err)
			}
		}
		current = sub
	}
	return io.ReadAll(current.Body)
}

func (c *IMAPClient) Close() error {
	return c.c.Logout()
}
