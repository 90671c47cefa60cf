package repo

import (
	"context"
	crand "crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ArticleRepo    = (*Postgres)(nil)
	_ domain.AssetRepo      = (*Postgres)(nil)
	_ domain.ScheduleRepo   = (*Postgres)(nil)
	_ domain.CredentialRepo = (*Postgres)(nil)
	_ domain.OAuthStateRepo = (*Postgres)(nil)
)

const stateTokenBytes = 24

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func generateStateToken() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := crand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// UpsertArticle реализует domain.ArticleRepo. Повторный вебхук с тем же
// (user_id, url) возвращает уже сохранённую запись.
func (p *Postgres) UpsertArticle(a domain.Article) (int64, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return 0, false, err
	}

	var publishedAt sql.NullTime
	if a.PublishedAt != nil {
		publishedAt = sql.NullTime{Time: *a.PublishedAt, Valid: true}
	}

	var (
		id    int64
		fresh bool
	)
	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO articles (user_id, url, title, excerpt, hero_image_url, tags, published_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (user_id, url) DO NOTHING
RETURNING id, true
`, a.UserID, a.URL, a.Title, a.Excerpt, a.HeroImageURL, tags, publishedAt).Scan(&id, &fresh)
	metrics.ObserveNetworkRequest("postgres", "articles_upsert", "articles", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		start = time.Now()
		err = p.pool.QueryRow(ctx, `SELECT id FROM articles WHERE user_id=$1 AND url=$2`, a.UserID, a.URL).Scan(&id)
		metrics.ObserveNetworkRequest("postgres", "articles_get_existing", "articles", start, err)
		return id, false, err
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// GetArticle возвращает статью по id.
func (p *Postgres) GetArticle(id int64) (domain.Article, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		a           domain.Article
		tags        []byte
		publishedAt sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, user_id, url, title, excerpt, hero_image_url, tags, published_at, created_at
FROM articles WHERE id=$1
`, id).Scan(&a.ID, &a.UserID, &a.URL, &a.Title, &a.Excerpt, &a.HeroImageURL, &tags, &publishedAt, &a.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "articles_get", "articles", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Article{}, fmt.Errorf("статья %d не найдена", id)
	}
	if err != nil {
		return domain.Article{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &a.Tags); err != nil {
			return domain.Article{}, fmt.Errorf("чтение тегов статьи: %w", err)
		}
	}
	if publishedAt.Valid {
		ts := publishedAt.Time
		a.PublishedAt = &ts
	}
	return a, nil
}

// ListRecentArticles возвращает последние статьи пользователя.
func (p *Postgres) ListRecentArticles(userID string, limit int) ([]domain.Article, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, url, title, excerpt, hero_image_url, tags, published_at, created_at
FROM articles WHERE user_id=$1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "articles_list_recent", "articles", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var articles []domain.Article
	for rows.Next() {
		var (
			a           domain.Article
			tags        []byte
			publishedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.URL, &a.Title, &a.Excerpt, &a.HeroImageURL, &tags, &publishedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &a.Tags); err != nil {
				return nil, fmt.Errorf("чтение тегов статьи: %w", err)
			}
		}
		if publishedAt.Valid {
			ts := publishedAt.Time
			a.PublishedAt = &ts
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// SaveAsset сохраняет результат генерации контента.
func (p *Postgres) SaveAsset(asset domain.ContentAsset) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	captions, err := json.Marshal(asset.Captions)
	if err != nil {
		return 0, err
	}

	var id int64
	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO content_assets (article_id, captions_json, image_prompt, provider, image_file)
VALUES ($1,$2,$3,$4,$5)
RETURNING id
`, asset.ArticleID, captions, asset.ImagePrompt, asset.Provider, asset.ImageFile).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "content_assets_insert", "content_assets", start, err)
	return id, err
}

// GetAssetByArticle возвращает последний результат генерации по статье.
func (p *Postgres) GetAssetByArticle(articleID int64) (domain.ContentAsset, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		a        domain.ContentAsset
		captions []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, article_id, captions_json, image_prompt, provider, image_file, created_at
FROM content_assets WHERE article_id=$1
ORDER BY id DESC LIMIT 1
`, articleID).Scan(&a.ID, &a.ArticleID, &captions, &a.ImagePrompt, &a.Provider, &a.ImageFile, &a.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "content_assets_get", "content_assets", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ContentAsset{}, domain.ErrAssetNotFound
	}
	if err != nil {
		return domain.ContentAsset{}, err
	}
	if err := json.Unmarshal(captions, &a.Captions); err != nil {
		return domain.ContentAsset{}, fmt.Errorf("разбор captions_json: %w", err)
	}
	return a, nil
}

// CreatePosts сохраняет партию запланированных публикаций.
func (p *Postgres) CreatePosts(posts []domain.ScheduledPost) error {
	if len(posts) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	batch := &pgx.Batch{}
	for _, post := range posts {
		status := post.Status
		if status == "" {
			status = domain.PostStatusScheduled
		}
		batch.Queue(`
INSERT INTO scheduled_posts (article_id, user_id, platform, scheduled_at, status, content, image_file)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, post.ArticleID, post.UserID, post.Platform, post.ScheduledAt, status, post.Content, post.ImageFile)
	}
	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "scheduled_posts_send_batch", "scheduled_posts", start, nil)
	defer br.Close()
	for range posts {
		start = time.Now()
		_, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", "scheduled_posts_batch_exec", "scheduled_posts", start, err)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListUserPosts возвращает публикации пользователя, новые первыми.
func (p *Postgres) ListUserPosts(userID string, limit int) ([]domain.ScheduledPost, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, article_id, user_id, platform, scheduled_at, status, content, image_file, external_id, error, created_at
FROM scheduled_posts WHERE user_id=$1
ORDER BY scheduled_at DESC
LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "scheduled_posts_list_user", "scheduled_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// ClaimDue атомарно захватывает просроченные публикации: переводит до limit
// записей из scheduled в in_flight под SKIP LOCKED, чтобы параллельные
// диспетчеры не забирали одни и те же строки.
func (p *Postgres) ClaimDue(now time.Time, limit int) ([]domain.ScheduledPost, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
UPDATE scheduled_posts SET status=$1, claimed_at=now()
WHERE id IN (
    SELECT id FROM scheduled_posts
    WHERE status=$2 AND scheduled_at <= $3
    ORDER BY scheduled_at ASC
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
RETURNING id, article_id, user_id, platform, scheduled_at, status, content, image_file, external_id, error, created_at
`, domain.PostStatusInFlight, domain.PostStatusScheduled, now, limit)
	metrics.ObserveNetworkRequest("postgres", "scheduled_posts_claim_due", "scheduled_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING не гарантирует порядок строк после UPDATE.
	sort.Slice(posts, func(i, j int) bool { return posts[i].ScheduledAt.Before(posts[j].ScheduledAt) })
	return posts, nil
}

// ReleaseStuck возвращает в scheduled публикации, захваченные до olderThan
// и так и не завершённые.
func (p *Postgres) ReleaseStuck(olderThan time.Time) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE scheduled_posts SET status=$1, claimed_at=NULL
WHERE status=$2 AND claimed_at < $3
`, domain.PostStatusScheduled, domain.PostStatusInFlight, olderThan)
	metrics.ObserveNetworkRequest("postgres", "scheduled_posts_release_stuck", "scheduled_posts", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// MarkSent помечает публикацию отправленной и сбрасывает прежнюю ошибку.
func (p *Postgres) MarkSent(id int64, externalID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE scheduled_posts SET status=$2, external_id=$3, error=NULL, sent_at=now()
WHERE id=$1
`, id, domain.PostStatusSent, externalID)
	metrics.ObserveNetworkRequest("postgres", "scheduled_posts_mark_sent", "scheduled_posts", start, err)
	return err
}

// MarkFailed помечает публикацию проваленной с текстом ошибки.
func (p *Postgres) MarkFailed(id int64, errText string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE scheduled_posts SET status=$2, error=$3
WHERE id=$1
`, id, domain.PostStatusFailed, errText)
	metrics.ObserveNetworkRequest("postgres", "scheduled_posts_mark_failed", "scheduled_posts", start, err)
	return err
}

func scanPosts(rows pgx.Rows) ([]domain.ScheduledPost, error) {
	var posts []domain.ScheduledPost
	for rows.Next() {
		var (
			post       domain.ScheduledPost
			externalID sql.NullString
			errText    sql.NullString
		)
		if err := rows.Scan(&post.ID, &post.ArticleID, &post.UserID, &post.Platform, &post.ScheduledAt, &post.Status, &post.Content, &post.ImageFile, &externalID, &errText, &post.CreatedAt); err != nil {
			return nil, err
		}
		if externalID.Valid {
			post.ExternalID = externalID.String
		}
		if errText.Valid {
			post.Error = errText.String
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// UpsertCredential сохраняет токен платформы. На пару (user_id, platform)
// хранится не больше одной записи.
func (p *Postgres) UpsertCredential(c domain.Credential) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	var meta []byte
	if c.Meta != nil {
		data, err := json.Marshal(c.Meta)
		if err != nil {
			return err
		}
		meta = data
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO platform_credentials (user_id, platform, access_token, meta_json, updated_at)
VALUES ($1,$2,$3,$4,now())
ON CONFLICT (user_id, platform) DO UPDATE SET access_token=EXCLUDED.access_token, meta_json=EXCLUDED.meta_json, updated_at=now()
`, c.UserID, c.Platform, c.AccessToken, meta)
	metrics.ObserveNetworkRequest("postgres", "platform_credentials_upsert", "platform_credentials", start, err)
	return err
}

// GetCredential возвращает токен платформы пользователя.
func (p *Postgres) GetCredential(userID string, platform domain.Platform) (domain.Credential, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		c    domain.Credential
		meta []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, user_id, platform, access_token, meta_json
FROM platform_credentials WHERE user_id=$1 AND platform=$2
`, userID, platform).Scan(&c.ID, &c.UserID, &c.Platform, &c.AccessToken, &meta)
	metrics.ObserveNetworkRequest("postgres", "platform_credentials_get", "platform_credentials", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		return domain.Credential{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Meta); err != nil {
			return domain.Credential{}, fmt.Errorf("чтение meta токена: %w", err)
		}
	}
	return c, nil
}

// ListConnected возвращает подключённые платформы пользователя.
func (p *Postgres) ListConnected(userID string) ([]domain.Platform, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT platform FROM platform_credentials WHERE user_id=$1 ORDER BY platform
`, userID)
	metrics.ObserveNetworkRequest("postgres", "platform_credentials_list", "platform_credentials", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var platforms []domain.Platform
	for rows.Next() {
		var platform domain.Platform
		if err := rows.Scan(&platform); err != nil {
			return nil, err
		}
		platforms = append(platforms, platform)
	}
	return platforms, rows.Err()
}

// CreateState сохраняет одноразовый state OAuth-обмена и возвращает его.
func (p *Postgres) CreateState(userID string, platform domain.Platform, meta map[string]string) (string, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	state, err := generateStateToken()
	if err != nil {
		return "", err
	}

	var metaJSON []byte
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return "", err
		}
		metaJSON = data
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO oauth_states (state, user_id, platform, meta_json)
VALUES ($1,$2,$3,$4)
`, state, userID, platform, metaJSON)
	metrics.ObserveNetworkRequest("postgres", "oauth_states_insert", "oauth_states", start, err)
	if err != nil {
		return "", err
	}
	return state, nil
}

// UpdateStateMeta дописывает метаданные незавершённого обмена
// (например, request token Twitter).
func (p *Postgres) UpdateStateMeta(state string, meta map[string]string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE oauth_states SET meta_json=$2 WHERE state=$1 AND consumed_at IS NULL
`, state, data)
	metrics.ObserveNetworkRequest("postgres", "oauth_states_update_meta", "oauth_states", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrStateNotFound
	}
	return nil
}

// ConsumeState помечает state использованным. Просроченный или уже
// использованный state не принимается.
func (p *Postgres) ConsumeState(state string, platform domain.Platform, ttl time.Duration) (domain.OAuthState, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		st   domain.OAuthState
		meta []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
UPDATE oauth_states SET consumed_at=now()
WHERE state=$1 AND platform=$2 AND consumed_at IS NULL AND created_at >= $3
RETURNING state, user_id, platform, created_at, consumed_at, meta_json
`, state, platform, time.Now().UTC().Add(-ttl)).Scan(&st.State, &st.UserID, &st.Platform, &st.CreatedAt, &st.ConsumedAt, &meta)
	metrics.ObserveNetworkRequest("postgres", "oauth_states_consume", "oauth_states", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		start = time.Now()
		checkErr := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM oauth_states WHERE state=$1 AND platform=$2)`, state, platform).Scan(&exists)
		metrics.ObserveNetworkRequest("postgres", "oauth_states_check", "oauth_states", start, checkErr)
		if checkErr != nil {
			return domain.OAuthState{}, checkErr
		}
		if exists {
			return domain.OAuthState{}, domain.ErrStateExpired
		}
		return domain.OAuthState{}, domain.ErrStateNotFound
	}
	if err != nil {
		return domain.OAuthState{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &st.Meta); err != nil {
			return domain.OAuthState{}, fmt.Errorf("чтение meta state: %w", err)
		}
	}
	return st, nil
}
