package integration

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/domain/device"
	"github.com/lis/lis/internal/domain/message"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/wire"
)

// SentinelTenant receives MLLP traffic whose sending facility matches no
// registered route. Persisting there instead of dropping keeps the raw
// payload for operators and stops sender retry loops.
const SentinelTenant = "UNKNOWN"

// mllpStageTimeout bounds the persistence work for a single frame.
const mllpStageTimeout = 30 * time.Second

// TenantAcquirer pins a database connection to a tenant's schema and
// returns the scoped context plus a release function.
type TenantAcquirer func(ctx context.Context, tenantID string) (context.Context, func(), error)

// PoolTenantAcquirer adapts a pgx pool to the TenantAcquirer shape.
func PoolTenantAcquirer(pool *pgxpool.Pool) TenantAcquirer {
	return func(ctx context.Context, tenantID string) (context.Context, func(), error) {
		tctx, conn, err := db.AcquireTenant(ctx, pool, tenantID)
		if err != nil {
			return ctx, nil, err
		}
		return tctx, conn.Release, nil
	}
}

// MLLPGateway adapts MLLP frames to the staging pipeline. Unlike HTTP
// traffic, frames arrive with no tenant context: the gateway resolves the
// tenant from the shared facility-route registry, pins a schema-scoped
// connection, and answers AA or AE depending on the outcome.
type MLLPGateway struct {
	acquire  TenantAcquirer
	routes   device.RouteRepository
	devices  device.Repository
	pipeline *Pipeline
	logger   zerolog.Logger
}

func NewMLLPGateway(acquire TenantAcquirer, routes device.RouteRepository,
	devices device.Repository, pipeline *Pipeline, logger zerolog.Logger) *MLLPGateway {
	return &MLLPGateway{
		acquire:  acquire,
		routes:   routes,
		devices:  devices,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Handle implements hl7v2.FrameHandler: one call per complete frame, the
// returned bytes are framed and written back as the ACK.
func (g *MLLPGateway) Handle(ctx context.Context, frame []byte, remoteAddr string) []byte {
	ctx, cancel := context.WithTimeout(ctx, mllpStageTimeout)
	defer cancel()

	// Bad bytes must never kill the connection; decode with replacement.
	raw := strings.ToValidUTF8(string(frame), "�")

	hl7msg, parseErr := hl7v2.Parse(frame)
	facility := ""
	if parseErr == nil {
		facility = hl7msg.SendingFac
	}

	remoteIP := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteIP = host
	}

	tenant := SentinelTenant
	attributed := false
	if facility != "" {
		route, err := g.routes.Resolve(ctx, wire.ProtocolHL7MLLP, facility)
		switch {
		case err == nil:
			tenant = route.TenantID
			attributed = true
		case errors.Is(err, device.ErrNotFound):
			g.logger.Warn().
				Str("facility", facility).
				Str("remote", remoteIP).
				Msg("no route for sending facility, staging under sentinel tenant")
		default:
			g.logger.Error().Err(err).Msg("facility route lookup failed")
			return g.nak(hl7msg, parseErr)
		}
	}

	tctx, release, err := g.acquire(ctx, tenant)
	if err != nil {
		g.logger.Error().Err(err).Str("tenant", tenant).Msg("tenant acquire failed")
		return g.nak(hl7msg, parseErr)
	}
	defer release()

	var dev *device.Device
	if attributed {
		dev, err = g.devices.FindByRoute(tctx, wire.ProtocolHL7MLLP, facility)
		if errors.Is(err, device.ErrNotFound) {
			// Stale route: the registry outlived the device row. Stage
			// unattributed in the routed tenant.
			dev = nil
		} else if err != nil {
			g.logger.Error().Err(err).Msg("device lookup failed")
			return g.nak(hl7msg, parseErr)
		}
	}

	outcome, err := g.pipeline.Stage(tctx, StageRequest{
		Device:       dev,
		Protocol:     wire.ProtocolHL7MLLP,
		RawPayload:   raw,
		RemoteIP:     remoteIP,
		Kind:         wire.KindHL7,
		FacilityCode: facility,
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("remote", remoteIP).Msg("mllp frame rejected")
		return g.nak(hl7msg, parseErr)
	}

	code := "AE"
	if dev != nil {
		switch outcome.Status {
		case message.StatusProcessed, message.StatusParsed, message.StatusDuplicate:
			code = "AA"
		}
	}
	return g.ack(hl7msg, parseErr, code)
}

func (g *MLLPGateway) ack(msg *hl7v2.Message, parseErr error, code string) []byte {
	if parseErr != nil {
		return hl7v2.SerializeMessage(hl7v2.GenerateNAK(""))
	}
	return hl7v2.SerializeMessage(hl7v2.GenerateACK(msg, code))
}

func (g *MLLPGateway) nak(msg *hl7v2.Message, parseErr error) []byte {
	return g.ack(msg, parseErr, "AE")
}
