package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
)

const (
	// defaultStuckTTL — сколько публикация может висеть в in_flight,
	// прежде чем тик вернёт её в очередь.
	defaultStuckTTL = 10 * time.Minute
	// defaultBatch — сколько просроченных публикаций забирает один тик.
	defaultBatch = 10
)

// errMissingImage — инстаграм не публикует посты без картинки.
var errMissingImage = errors.New("instagram requires image")

// Publishers отдаёт адаптер платформы.
type Publishers interface {
	For(platform domain.Platform) (domain.Publisher, error)
}

// Service публикует назревшие запланированные посты и выполняет
// немедленные публикации по запросу.
type Service struct {
	schedule   domain.ScheduleRepo
	creds      domain.CredentialRepo
	publishers Publishers
	uploadDir  string
	stuckTTL   time.Duration
	batch      int
	log        zerolog.Logger
}

// NewService создаёт диспетчер публикаций. Нулевые stuckTTL и batch
// заменяются значениями по умолчанию.
func NewService(schedule domain.ScheduleRepo, creds domain.CredentialRepo, publishers Publishers, uploadDir string, stuckTTL time.Duration, batch int, log zerolog.Logger) *Service {
	if stuckTTL <= 0 {
		stuckTTL = defaultStuckTTL
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Service{
		schedule:   schedule,
		creds:      creds,
		publishers: publishers,
		uploadDir:  uploadDir,
		stuckTTL:   stuckTTL,
		batch:      batch,
		log:        log,
	}
}

// Tick выполняет один цикл диспетчера: возвращает зависшие публикации
// в очередь, забирает назревшие и отправляет их по одной. Ошибки
// отдельных публикаций не прерывают тик.
func (s *Service) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.DispatchTickSeconds.Observe(time.Since(start).Seconds()) }()

	released, err := s.schedule.ReleaseStuck(time.Now().Add(-s.stuckTTL))
	if err != nil {
		s.log.Error().Err(err).Msg("dispatch: возврат зависших публикаций не удался")
	} else if released > 0 {
		s.log.Warn().Int64("released", released).Msg("dispatch: возвращены зависшие публикации")
	}

	posts, err := s.schedule.ClaimDue(time.Now(), s.batch)
	if err != nil {
		s.log.Error().Err(err).Msg("dispatch: выборка назревших публикаций не удалась")
		return
	}
	for _, post := range posts {
		s.publish(ctx, post)
	}
}

func (s *Service) publish(ctx context.Context, post domain.ScheduledPost) {
	publisher, err := s.publishers.For(post.Platform)
	if err != nil {
		s.fail(post, err.Error(), err)
		return
	}

	cred, err := s.creds.GetCredential(post.UserID, post.Platform)
	if err != nil {
		s.fail(post, string(post.Platform)+" not connected", err)
		return
	}

	var mediaRefs []string
	data, filename := s.readImage(post.ImageFile)
	if data == nil && post.Platform == domain.PlatformInstagram {
		s.fail(post, errMissingImage.Error(), errMissingImage)
		return
	}
	if data != nil {
		ref, err := publisher.UploadMedia(ctx, cred, data, filename)
		if err != nil {
			s.fail(post, publisher.ClassifyError(err), err)
			return
		}
		mediaRefs = append(mediaRefs, ref)
	}

	result, err := publisher.Publish(ctx, cred, post.Content, mediaRefs)
	if err != nil {
		s.fail(post, publisher.ClassifyError(err), err)
		return
	}
	metrics.ObservePublish(string(post.Platform), nil)

	if err := s.schedule.MarkSent(post.ID, result.ExternalID); err != nil {
		s.log.Error().Err(err).Int64("post_id", post.ID).Msg("dispatch: не удалось отметить публикацию отправленной")
		return
	}
	s.log.Info().
		Int64("post_id", post.ID).
		Str("platform", string(post.Platform)).
		Str("external_id", result.ExternalID).
		Msg("dispatch: публикация отправлена")
}

func (s *Service) fail(post domain.ScheduledPost, message string, cause error) {
	metrics.ObservePublish(string(post.Platform), cause)
	if err := s.schedule.MarkFailed(post.ID, message); err != nil {
		s.log.Error().Err(err).Int64("post_id", post.ID).Msg("dispatch: не удалось отметить публикацию упавшей")
		return
	}
	s.log.Warn().
		Err(cause).
		Int64("post_id", post.ID).
		Str("platform", string(post.Platform)).
		Str("reason", message).
		Msg("dispatch: публикация не отправлена")
}

// readImage читает сохранённую картинку из каталога загрузок.
// Отсутствующий файл не ошибка: платформы, кроме инстаграма,
// публикуют и без картинки.
func (s *Service) readImage(imageFile string) ([]byte, string) {
	if imageFile == "" {
		return nil, ""
	}
	data, err := os.ReadFile(filepath.Join(s.uploadDir, imageFile))
	if err != nil {
		s.log.Warn().Err(err).Str("image", imageFile).Msg("dispatch: картинка недоступна, публикуем без неё")
		return nil, ""
	}
	return data, filepath.Base(imageFile)
}

// SendNow немедленно публикует контент на перечисленных платформах.
// Картинка сначала сохраняется в каталог загрузок: инстаграм забирает
// её по публичному адресу, а не байтами. Возвращает итог по каждой
// платформе в порядке запроса.
func (s *Service) SendNow(ctx context.Context, userID, content string, platforms []domain.Platform, imageData []byte, imageName string) []domain.SendOutcome {
	if len(imageData) > 0 {
		saved, err := s.saveUpload(imageData, imageName)
		if err != nil {
			s.log.Warn().Err(err).Msg("dispatch: картинка не сохранилась в каталог загрузок")
		} else {
			imageName = saved
		}
	}

	outcomes := make([]domain.SendOutcome, 0, len(platforms))
	for _, platform := range platforms {
		outcomes = append(outcomes, s.sendOne(ctx, userID, platform, content, imageData, imageName))
	}
	return outcomes
}

// saveUpload кладёт присланные байты в каталог загрузок под уникальным
// именем и возвращает его.
func (s *Service) saveUpload(data []byte, originalName string) (string, error) {
	ext := filepath.Ext(originalName)
	if ext == "" {
		ext = ".png"
	}
	id := uuid.New()
	name := "send_" + hex.EncodeToString(id[:]) + ext
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(s.uploadDir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Service) sendOne(ctx context.Context, userID string, platform domain.Platform, content string, imageData []byte, imageName string) domain.SendOutcome {
	outcome := domain.SendOutcome{Platform: platform, Status: domain.SendStatusFailed}

	publisher, err := s.publishers.For(platform)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	cred, err := s.creds.GetCredential(userID, platform)
	if err != nil {
		outcome.Error = string(platform) + " not connected"
		return outcome
	}

	var mediaRefs []string
	if len(imageData) > 0 {
		ref, err := publisher.UploadMedia(ctx, cred, imageData, imageName)
		if err != nil {
			metrics.ObservePublish(string(platform), err)
			outcome.Error = publisher.ClassifyError(err)
			return outcome
		}
		mediaRefs = append(mediaRefs, ref)
	}

	result, err := publisher.Publish(ctx, cred, content, mediaRefs)
	metrics.ObservePublish(string(platform), err)
	if err != nil {
		outcome.Error = publisher.ClassifyError(err)
		return outcome
	}

	outcome.Status = domain.SendStatusSuccess
	outcome.Response = map[string]any{"external_id": result.ExternalID}
	if result.URL != "" {
		outcome.Response["url"] = result.URL
	}
	return outcome
}
