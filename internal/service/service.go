// Package service turns a render job into a finished shot: it renders,
// persists the artifacts, records and announces the outcome, and expires old
// artifacts every few successful shots.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/capture"
	"github.com/laoshu133/html2image-cdp/internal/clock/system"
	"github.com/laoshu133/html2image-cdp/internal/errs"
	"github.com/laoshu133/html2image-cdp/internal/hash/sha256"
	"github.com/laoshu133/html2image-cdp/internal/publisher"
	"github.com/laoshu133/html2image-cdp/internal/render"
	"github.com/laoshu133/html2image-cdp/internal/storage"
)

// ErrCleanUnsupported is returned by Clean when the blob store cannot expire
// its artifacts.
var ErrCleanUnsupported = errors.New("artifact store does not support cleaning")

// Renderer runs one job. *render.Renderer implements it.
type Renderer interface {
	Render(ctx context.Context, id string, cfg render.Config) (*render.Result, error)
}

// IDGenerator mints shot ids.
type IDGenerator interface {
	ShotID(action string) (string, error)
}

// Clock supplies timestamps for artifact paths and records.
type Clock interface {
	Now() time.Time
}

// Hasher digests artifact bytes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// SharedCounter tallies shots across processes. *stats.Redis implements it.
type SharedCounter interface {
	Record(ctx context.Context, ok bool) error
}

// Config controls Service behavior.
type Config struct {
	// Prefix is prepended to every artifact path.
	Prefix string
	// Topic receives one ShotEvent per finished shot. Empty disables
	// publishing.
	Topic string
	// ArtifactTTL is the age past which Clean removes artifacts.
	ArtifactTTL time.Duration
	// CleanEvery runs Clean after every N successful shots; 0 disables it.
	CleanEvery int
}

// Deps are the collaborators of a Service. Blobs and Renderer are required.
type Deps struct {
	Renderer  Renderer
	Blobs     storage.BlobStore
	Shots     storage.ShotStore
	Publisher publisher.Publisher
	IDs       IDGenerator
	Shared    SharedCounter
	Logger    *zap.Logger
	// Clock defaults to the system clock in UTC.
	Clock     Clock
	// Hasher defaults to SHA-256.
	Hasher    Hasher
}

// Shot is a successful shot with its stored artifacts.
type Shot struct {
	ID     string
	Result *render.Result
	// URLs holds one fetchable URL per output, in output order.
	URLs []string
	// Checksums holds the hex digest of each output.
	Checksums []string
}

// Service renders and persists shots.
type Service struct {
	renderer  Renderer
	blobs     storage.BlobStore
	shots     storage.ShotStore
	publisher publisher.Publisher
	ids       IDGenerator
	shared    SharedCounter
	cfg       Config
	logger    *zap.Logger
	clock     Clock
	hasher    Hasher
	tracer    trace.Tracer
	successes atomic.Int64
}

// New constructs a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if deps.Shots == nil {
		deps.Shots = storage.NopShotStore{}
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.Nop{}
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	return &Service{
		renderer:  deps.Renderer,
		blobs:     deps.Blobs,
		shots:     deps.Shots,
		publisher: deps.Publisher,
		ids:       deps.IDs,
		shared:    deps.Shared,
		cfg:       cfg,
		logger:    deps.Logger.Named("service"),
		clock:     deps.Clock,
		hasher:    deps.Hasher,
		tracer:    otel.Tracer("github.com/laoshu133/html2image-cdp/internal/service"),
	}, nil
}

// Shoot renders cfg and stores its artifacts. Record keeping after the
// artifacts are stored is best effort: failures are logged, not returned.
func (s *Service) Shoot(ctx context.Context, cfg render.Config) (*Shot, error) {
	id, err := s.ids.ShotID(string(cfg.Action))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "generate shot id")
	}
	ctx, span := s.tracer.Start(ctx, "shot", trace.WithAttributes(
		attribute.String("shot.id", id),
		attribute.String("shot.action", string(cfg.Action)),
		attribute.String("shot.target", cfg.Target()),
	))
	defer span.End()

	res, err := s.renderer.Render(ctx, id, cfg)
	if err == nil {
		var shot *Shot
		shot, err = s.persist(ctx, id, cfg, res)
		if err == nil {
			s.finish(ctx, id, cfg, shot, nil)
			span.SetAttributes(attribute.Int("shot.outputs", len(shot.URLs)))
			span.SetStatus(codes.Ok, "")
			s.maybeClean(ctx)
			return shot, nil
		}
	}

	s.finish(ctx, id, cfg, nil, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(errs.KindOf(err)))
	return nil, err
}

func (s *Service) persist(ctx context.Context, id string, cfg render.Config, res *render.Result) (*Shot, error) {
	shot := &Shot{
		ID:        id,
		Result:    res,
		URLs:      make([]string, 0, len(res.Outputs)),
		Checksums: make([]string, 0, len(res.Outputs)),
	}
	at := s.clock.Now()
	for i, out := range res.Outputs {
		sum, err := s.hasher.Hash(out.Buffer)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "hash artifact")
		}
		name := ArtifactPath(s.cfg.Prefix, id, at, i, len(res.Outputs), cfg.Extension())
		uri, err := s.blobs.PutObject(ctx, name, out.MIME, bytes.NewReader(out.Buffer))
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "store artifact "+name)
		}
		shot.URLs = append(shot.URLs, uri)
		shot.Checksums = append(shot.Checksums, sum)
	}
	return shot, nil
}

// finish records, publishes and counts one shot. Exactly one of shot and
// err is set.
func (s *Service) finish(ctx context.Context, id string, cfg render.Config, shot *Shot, err error) {
	ctx = context.WithoutCancel(ctx)
	rec := storage.ShotRecord{
		ID:         id,
		Action:     string(cfg.Action),
		Target:     cfg.Target(),
		Status:     storage.StatusSuccess,
		FinishedAt: s.clock.Now().UTC(),
	}
	if shot != nil {
		rec.Artifacts = shot.URLs
		rec.Checksums = shot.Checksums
		rec.Crops = crops(shot.Result.Metadata.Crops)
		rec.Pages = shot.Result.Metadata.Pages
		rec.Elapsed = shot.Result.Elapsed
	} else {
		rec.Status = storage.StatusError
		rec.ErrorKind = string(errs.KindOf(err))
		rec.Error = err.Error()
	}

	if storeErr := s.shots.StoreShot(ctx, rec); storeErr != nil {
		s.logger.Warn("store shot record failed", zap.String("shot_id", id), zap.Error(storeErr))
	}

	if s.cfg.Topic != "" {
		event := publisher.ShotEvent{
			ID:         rec.ID,
			Action:     rec.Action,
			Target:     rec.Target,
			Status:     rec.Status,
			Kind:       rec.ErrorKind,
			Error:      rec.Error,
			Artifacts:  rec.Artifacts,
			Checksums:  rec.Checksums,
			ElapsedMS:  rec.Elapsed.Milliseconds(),
			FinishedAt: rec.FinishedAt,
		}
		if _, pubErr := s.publisher.Publish(ctx, s.cfg.Topic, event); pubErr != nil {
			s.logger.Warn("publish shot event failed", zap.String("shot_id", id), zap.Error(pubErr))
		}
	}

	if s.shared != nil {
		if cntErr := s.shared.Record(ctx, shot != nil); cntErr != nil {
			s.logger.Warn("shared counter update failed", zap.String("shot_id", id), zap.Error(cntErr))
		}
	}
}

func (s *Service) maybeClean(ctx context.Context) {
	n := s.successes.Add(1)
	if s.cfg.CleanEvery <= 0 || n%int64(s.cfg.CleanEvery) != 0 {
		return
	}
	removed, err := s.Clean(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, ErrCleanUnsupported):
	case err != nil:
		s.logger.Warn("artifact cleanup failed", zap.Int("removed", removed), zap.Error(err))
	default:
		s.logger.Info("artifact cleanup", zap.Int("removed", removed), zap.Int64("shots", n))
	}
}

// Clean removes artifacts older than the configured TTL.
func (s *Service) Clean(ctx context.Context) (int, error) {
	sweeper, ok := s.blobs.(storage.Sweeper)
	if !ok {
		return 0, ErrCleanUnsupported
	}
	removed, err := sweeper.RemoveOlderThan(ctx, s.clock.Now().Add(-s.cfg.ArtifactTTL))
	if err != nil {
		return removed, fmt.Errorf("clean artifacts: %w", err)
	}
	return removed, nil
}

// ArtifactPath lays artifacts out as
// <prefix>/<yyyymmdd>/<HH><00|30>/<id>/out[-n]<ext>, bucketed by half hour.
// The -n suffix (1-based) is used only when a shot has several outputs.
func ArtifactPath(prefix, id string, at time.Time, index, count int, ext string) string {
	at = at.UTC()
	half := "00"
	if at.Minute() >= 30 {
		half = "30"
	}
	name := "out"
	if count > 1 {
		name = fmt.Sprintf("out-%d", index+1)
	}
	parts := []string{
		at.Format("20060102"),
		at.Format("15") + half,
		id,
		name + ext,
	}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append([]string{p}, parts...)
	}
	return path.Join(parts...)
}

func crops(rects []capture.Rect) []storage.Crop {
	if len(rects) == 0 {
		return nil
	}
	out := make([]storage.Crop, len(rects))
	for i, r := range rects {
		out[i] = storage.Crop{Left: r.Left, Top: r.Top, Width: r.Width, Height: r.Height}
	}
	return out
}
