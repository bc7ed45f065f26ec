package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpilot/config"
	"mailpilot/mailparse"
	"mailpilot/models"
	"mailpilot/provider"
)

// SyncResult summarizes one account sync run. Per-item failures are
// collected here rather than thrown so the scheduler can log and move on
// to the next account.
type SyncResult struct {
	NewMessages int      `json:"new_messages"`
	Failed      []string `json:"failed"`
}

// ClientFactory builds the provider client for one sync run. Swappable in
// tests.
type ClientFactory func(ctx context.Context, account *models.Account, creds Credentials) (provider.Client, error)

// Syncer drives the per-account sync state machine:
// idle -> listing -> fetching -> decoding -> persisting -> idle.
type Syncer struct {
	db        *gorm.DB
	store     *Store
	creds     *CredentialStore
	cfg       config.SyncConfig
	logger    *logrus.Entry
	newClient ClientFactory
}

func New(db *gorm.DB, store *Store, creds *CredentialStore, cfg config.SyncConfig, logger *logrus.Entry) *Syncer {
	s := &Syncer{
		db:     db,
		store:  store,
		creds:  creds,
		cfg:    cfg,
		logger: logger,
	}
	s.newClient = s.defaultClient
	return s
}

func (s *Syncer) defaultClient(ctx context.Context, account *models.Account, creds Credentials) (provider.Client, error) {
	switch account.Provider {
	case models.ProviderGmail:
		return provider.NewGmailClient(ctx, creds.AccessToken, []string{"INBOX", "SENT"}, s.logger)
	case models.ProviderIMAP:
		return provider.DialIMAP(provider.IMAPConfig{
			Host:           account.IMAPHost,
			Port:           account.IMAPPort,
			UseTLS:         account.IMAPUseTLS,
			Username:       account.IMAPUsername,
			Password:       creds.Password,
			LastSyncedUID:  account.LastSyncedUID,
			UIDValidity:    account.UIDValidity,
			InitialScanCap: s.cfg.InitialIMAPScan,
			Logger:         s.logger,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", account.Provider)
	}
}

// ClientFor returns an authenticated provider client for on-demand reads
// (message body refetch, attachment download). The caller closes it.
func (s *Syncer) ClientFor(ctx context.Context, account *models.Account) (provider.Client, error) {
	creds, err := s.creds.EnsureValidToken(ctx, account)
	if err != nil {
		return nil, err
	}
	return s.newClient(ctx, account, creds)
}

// SyncAccount runs one full sync for the account. Only an auth-level
// fault aborts the run and is returned as an error; everything else ends
// up in the result's failed list.
func (s *Syncer) SyncAccount(ctx context.Context, accountID uint) (*SyncResult, error) {
	result := &SyncResult{Failed: []string{}}

	var account models.Account
	if err := s.db.First(&account, accountID).Error; err != nil {
		return nil, fmt.Errorf("account %d not found: %w", accountID, err)
	}
	if !account.Connected() {
		return nil, ErrAccountDisconnected
	}

	log := s.logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
	})

	creds, err := s.creds.EnsureValidToken(ctx, &account)
	if err != nil {
		return nil, s.failAccount(&account, log, err)
	}

	client, err := s.newClient(ctx, &account, creds)
	if err != nil {
		if errors.Is(err, provider.ErrAuthExpired) {
			return nil, s.failAccount(&account, log, err)
		}
		return nil, err
	}
	defer client.Close()

	// Listing is a single blocking call; its failure fails the run.
	listing, err := client.List(ctx)
	if err != nil {
		if errors.Is(err, provider.ErrAuthExpired) {
			return nil, s.failAccount(&account, log, err)
		}
		return nil, fmt.Errorf("listing failed: %w", err)
	}

	// Cache short-circuit: only ids we have never stored get fetched.
	ids := make([]string, len(listing.Refs))
	for i, ref := range listing.Refs {
		ids[i] = ref.ExternalID
	}
	existing, err := s.store.ExistingExternalIDs(account.Provider, ids)
	if err != nil {
		return nil, err
	}
	var uncached []provider.MessageRef
	for _, ref := range listing.Refs {
		if !existing[ref.ExternalID] {
			uncached = append(uncached, ref)
		}
	}
	log.WithFields(logrus.Fields{
		"listed":   len(listing.Refs),
		"uncached": len(uncached),
	}).Info("sync listing complete")

	fetched, err := s.fetchAll(ctx, client, uncached, result)
	if err != nil {
		return nil, s.failAccount(&account, log, err)
	}

	decoded := s.decodeAll(&account, fetched, result)
	s.persistAll(&account, decoded, result, log)

	if err := s.advanceWatermark(&account, listing); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"new":    result.NewMessages,
		"failed": len(result.Failed),
	}).Info("sync complete")
	return result, nil
}

// fetchAll pulls uncached messages in fixed-size batches with a fixed
// inter-batch delay. That static shape keeps steady-state throughput
// below provider ceilings without a token bucket. Per-item failures are
// recorded and never abort the batch; only auth expiry aborts the run.
func (s *Syncer) fetchAll(ctx context.Context, client provider.Client, refs []provider.MessageRef, result *SyncResult) ([]*provider.RawMessage, error) {
	batchSize := s.cfg.FetchBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	var fetched []*provider.RawMessage
	var mu sync.Mutex
	var authFault error

	for start := 0; start < len(refs); start += batchSize {
		end := start + batchSize
		if end > len(refs) {
			end = len(refs)
		}

		var wg sync.WaitGroup
		for _, ref := range refs[start:end] {
			wg.Add(1)
			go func(ref provider.MessageRef) {
				defer wg.Done()
				raw, err := s.fetchOne(ctx, client, ref)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					fetched = append(fetched, raw)
				case errors.Is(err, provider.ErrAuthExpired):
					authFault = err
				default:
					s.logger.WithField("external_id", ref.ExternalID).
						WithError(err).Warn("message fetch failed")
					result.Failed = append(result.Failed, ref.ExternalID)
				}
			}(ref)
		}
		wg.Wait()

		if authFault != nil {
			return nil, authFault
		}
		if end < len(refs) {
			select {
			case <-time.After(s.cfg.BatchDelay):
			case <-ctx.Done():
				return fetched, ctx.Err()
			}
		}
	}
	return fetched, nil
}

// fetchOne retries a rate-limited fetch once after a longer pause.
func (s *Syncer) fetchOne(ctx context.Context, client provider.Client, ref provider.MessageRef) (*provider.RawMessage, error) {
	raw, err := client.Fetch(ctx, ref)
	if err != nil && errors.Is(err, provider.ErrRateLimited) {
		select {
		case <-time.After(5 * s.cfg.BatchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		raw, err = client.Fetch(ctx, ref)
	}
	return raw, err
}

type decodedMessage struct {
	rec    *MessageRecord
	sender mailparse.Sender
}

// decodeAll normalizes fetched messages. A message whose sender cannot be
// parsed is a failure, not a crash.
func (s *Syncer) decodeAll(account *models.Account, fetched []*provider.RawMessage, result *SyncResult) []decodedMessage {
	decoded := make([]decodedMessage, 0, len(fetched))
	for _, raw := range fetched {
		headers := mailparse.Headers(nil)
		if raw.Root != nil {
			headers = raw.Root.Headers
		}

		sender, err := mailparse.ParseSender(headers.Get("From"))
		if err != nil {
			s.logger.WithField("external_id", raw.ExternalID).
				WithError(err).Warn("skipping undecodable message")
			result.Failed = append(result.Failed, raw.ExternalID)
			continue
		}

		body := mailparse.DecodeBody(raw.Root)
		rec := &MessageRecord{
			UserID:       account.UserID,
			AccountID:    account.ID,
			ExternalID:   raw.ExternalID,
			Provider:     account.Provider,
			ThreadID:     raw.ThreadID,
			UID:          raw.UID,
			ToEmails:     headers.Get("To"),
			CcEmails:     headers.Get("Cc"),
			Subject:      mailparse.DecodeHeaderText(headers.Get("Subject")),
			Preview:      previewText(body),
			HTML:         body.HTML,
			Plain:        body.Plain,
			ReceivedAt:   raw.ReceivedAt,
			Outgoing:     raw.Outgoing,
			Subscription: mailparse.ClassifySubscription(headers),
			Attachments:  mailparse.DecodeAttachments(raw.Root),
		}
		decoded = append(decoded, decodedMessage{rec: rec, sender: sender})
	}
	return decoded
}

// persistAll is the two-phase write: contacts (and the subscription side
// table) are resolved sequentially into an email->id map first, then
// message inserts run in parallel against that map. Parallelizing the
// contact phase would race concurrent upserts of the same new sender.
func (s *Syncer) persistAll(account *models.Account, decoded []decodedMessage, result *SyncResult, log *logrus.Entry) {
	type senderAgg struct {
		name     string
		lastAt   time.Time
		subCount int
		subInfo  mailparse.SubscriptionInfo
	}
	senders := make(map[string]*senderAgg)
	for _, d := range decoded {
		agg, ok := senders[d.sender.Email]
		if !ok {
			agg = &senderAgg{}
			senders[d.sender.Email] = agg
		}
		if d.sender.Name != "" && d.sender.Name != d.sender.Email {
			agg.name = d.sender.Name
		}
		if d.rec.ReceivedAt.After(agg.lastAt) {
			agg.lastAt = d.rec.ReceivedAt
		}
		if d.rec.Subscription.IsSubscription {
			agg.subCount++
			agg.subInfo = d.rec.Subscription
		}
	}

	// Phase 1: sequential contact resolution. One upsert per message so
	// counters reflect every message, but never two writers on one row.
	contactIDs := make(map[string]uint, len(senders))
	failedSenders := make(map[string]bool)
	for _, d := range decoded {
		if failedSenders[d.sender.Email] {
			result.Failed = append(result.Failed, d.rec.ExternalID)
			continue
		}
		if _, done := contactIDs[d.sender.Email]; done {
			if _, err := s.store.UpsertContact(account.UserID, d.sender.Email, d.sender.Name, d.rec.ReceivedAt); err != nil {
				log.WithField("sender", d.sender.Email).WithError(err).Warn("contact upsert failed")
			}
			continue
		}
		id, err := s.store.UpsertContact(account.UserID, d.sender.Email, d.sender.Name, d.rec.ReceivedAt)
		if err != nil {
			log.WithField("sender", d.sender.Email).WithError(err).Warn("contact upsert failed")
			failedSenders[d.sender.Email] = true
			result.Failed = append(result.Failed, d.rec.ExternalID)
			continue
		}
		contactIDs[d.sender.Email] = id
	}

	// Subscription aggregates share rows per sender; keep them in the
	// sequential phase too.
	for email, agg := range senders {
		if failedSenders[email] || agg.subCount == 0 {
			continue
		}
		if err := s.store.UpsertSubscription(account.UserID, email, agg.name, agg.subInfo, agg.lastAt, agg.subCount); err != nil {
			log.WithField("sender", email).WithError(err).Warn("subscription upsert failed")
		}
	}

	// Phase 2: parallel message inserts; each targets a distinct row.
	parallel := s.cfg.FetchBatchSize
	if parallel <= 0 {
		parallel = 5
	}
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, d := range decoded {
		contactID, ok := contactIDs[d.sender.Email]
		if !ok {
			continue
		}
		d.rec.FromContactID = contactID

		wg.Add(1)
		sem <- struct{}{}
		go func(rec *MessageRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			_, isNew, err := s.store.UpsertMessage(rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithField("external_id", rec.ExternalID).
					WithError(err).Warn("message upsert failed")
				result.Failed = append(result.Failed, rec.ExternalID)
				return
			}
			if isNew {
				result.NewMessages++
			}
		}(d.rec)
	}
	wg.Wait()
}

// advanceWatermark records sync progress after everything in the run is
// persisted. Gmail needs none; IMAP stores the highest UID seen under the
// UIDVALIDITY it was observed with.
func (s *Syncer) advanceWatermark(account *models.Account, listing *provider.Listing) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"last_synced_at":  now,
		"last_sync_error": nil,
	}

	if account.Provider == models.ProviderIMAP {
		var maxUID uint32
		for _, ref := range listing.Refs {
			if ref.UID > maxUID {
				maxUID = ref.UID
			}
		}
		updates["uid_validity"] = listing.UIDValidity
		if listing.WatermarkReset || maxUID > account.LastSyncedUID {
			updates["last_synced_uid"] = maxUID
		}
	}

	if err := s.db.Model(&models.Account{}).Where("id = ?", account.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// failAccount records an account-level fault. Auth expiry is never
// retried silently; it needs the user to re-authenticate, so it is
// surfaced loudly.
func (s *Syncer) failAccount(account *models.Account, log *logrus.Entry, cause error) error {
	log.WithError(cause).Error("account sync failed")
	if errors.Is(cause, provider.ErrAuthExpired) {
		sentry.CaptureException(fmt.Errorf("account %d requires re-authentication: %w", account.ID, cause))
	}
	msg := cause.Error()
	if err := s.db.Model(&models.Account{}).Where("id = ?", account.ID).
		Update("last_sync_error", msg).Error; err != nil {
		log.WithError(err).Warn("failed to record sync error")
	}
	return cause
}

func previewText(body mailparse.DecodedBody) string {
	text := strings.TrimSpace(body.Plain)
	if text == "" {
		text = strings.TrimSpace(mailparse.StripTags(body.HTML))
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > 160 {
		text = text[:160]
	}
	return text
}
