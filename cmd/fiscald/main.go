package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/jhoicas/fiscal-sri/internal/application/billing"
	"github.com/jhoicas/fiscal-sri/internal/application/numbering"
	"github.com/jhoicas/fiscal-sri/internal/application/submission"
	"github.com/jhoicas/fiscal-sri/internal/application/taxcatalog"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/fiscal"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/cache"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/memstore"
	infrapdf "github.com/jhoicas/fiscal-sri/internal/infrastructure/pdf"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/postgres"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/scheduler"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/sri"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/sri/signer"
	"github.com/jhoicas/fiscal-sri/internal/infrastructure/storage"
	httpRouter "github.com/jhoicas/fiscal-sri/internal/interfaces/http"
	"github.com/jhoicas/fiscal-sri/pkg/config"
	"github.com/jhoicas/fiscal-sri/pkg/jwt"
	"github.com/jhoicas/fiscal-sri/pkg/logger"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	pkgsri "github.com/jhoicas/fiscal-sri/pkg/sri"
)

// stores repositorios del backend elegido.
type stores struct {
	taxRates  repository.TaxRateRepository
	sequences repository.SequenceRepository
	sales     repository.SaleRepository
	outbox    repository.OutboxRepository
	archive   repository.ArchiveRepository
	closeFn   func()
}

func main() {
	tokenFor := flag.String("token", "", "imprime un JWT de operador para el id dado y termina")
	tokenRole := flag.String("role", jwt.RoleOperator, "rol del JWT generado con -token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cargar configuración:", err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		tok, err := jwt.Generate(cfg.HTTP.JWTSecret, *tokenFor, *tokenRole, cfg.HTTP.JWTIssuer, 8*60)
		if err != nil {
			fmt.Fprintln(os.Stderr, "generar token:", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, Service: cfg.App.Name})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Str("ambiente", cfg.Fiscal.Environment).
		Msg("iniciando servicio fiscal")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("servicio detenido con error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("servicio detenido")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.closeFn()

	issuer, err := issuerFrom(cfg)
	if err != nil {
		return err
	}

	limit, err := money.FromString(cfg.Fiscal.FinalConsumerLimit, 2)
	if err != nil {
		return fmt.Errorf("límite consumidor final: %w", err)
	}
	policy := fiscal.Policy{Environment: issuer.Environment, FinalConsumerLimit: limit}

	// Catálogo de tarifas, con invalidación entre instancias si hay Redis.
	var catalogOpts []taxcatalog.Option
	var invalidator *cache.CatalogInvalidator
	if cfg.Redis.Addr != "" {
		invalidator, err = cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			log.Zerolog(), cache.WithChannel(cfg.Redis.Channel))
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer invalidator.Close()
		catalogOpts = append(catalogOpts, taxcatalog.WithNotifier(invalidator))
	}
	catalog := taxcatalog.New(st.taxRates, log.Zerolog(), catalogOpts...)
	if err := catalog.Reload(ctx); err != nil {
		return fmt.Errorf("cargar catálogo de tarifas: %w", err)
	}
	if invalidator != nil {
		go func() {
			if err := invalidator.Listen(ctx, catalog); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("suscripción de invalidación finalizada")
			}
		}()
	}

	// Firma: sin credencial el proceso sigue vivo y cada emisión falla con
	// un error criptográfico registrado.
	sig := signer.New()
	var docSigner *signer.BoundSigner
	if cred, err := signer.LoadCredentialFile(cfg.Fiscal.PKCS12Path, cfg.Fiscal.PKCS12Passphrase); err != nil {
		log.Error().Err(err).Msg("credencial PKCS#12 no disponible")
		docSigner = signer.Unavailable(err)
	} else {
		if !cred.ValidAt(time.Now()) {
			log.Warn().Object("credencial", cred).Msg("certificado fuera de vigencia")
		}
		log.Info().Object("credencial", cred).Msg("credencial de firma cargada")
		docSigner = sig.Bind(cred)
	}

	gateway := sri.NewSOAPClient(log.Zerolog(), sri.WithRateLimit(cfg.Fiscal.RateLimitRPS, 1))

	engine := submission.NewEngine(
		submission.Config{
			Workers:        cfg.Fiscal.Workers,
			BackoffBase:    cfg.Fiscal.BackoffBase,
			BackoffMax:     cfg.Fiscal.BackoffMax,
			AttemptsCap:    cfg.Fiscal.AttemptsCap,
			RequestTimeout: cfg.Fiscal.RequestTimeout,
			Lease:          cfg.Fiscal.Lease,
			PollInterval:   cfg.Fiscal.PollInterval,
			ShutdownGrace:  cfg.Fiscal.ShutdownGrace,
		},
		st.outbox, st.sales, st.archive, gateway, issuer, log.Zerolog(),
		submission.WithAlerter(submission.NewLogAlerter(log.Zerolog())),
		submission.WithVerifier(docSigner.Verify),
	)

	numberingSvc := numbering.NewService(numbering.NewAllocator(st.sequences), nil, log.Zerolog())
	pipeline := billing.NewPipeline(
		st.sales, catalog, numberingSvc, sri.NewXMLBuilder(), docSigner,
		engine, issuer, policy, log.Zerolog(),
	)
	rideUC := billing.NewRIDEUseCase(st.sales, st.archive, issuer, infrapdf.NewRIDEGenerator())

	health := scheduler.NewOutboxHealth(st.outbox, submission.NewLogAlerter(log.Zerolog()),
		cfg.Fiscal.StaleAfter, log.Zerolog())
	jobs, err := scheduler.New(scheduler.Config{
		HealthEvery:  time.Minute,
		RefreshEvery: 5 * time.Minute,
	}, health, catalog, log.Zerolog())
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	jobs.Start()
	defer func() {
		if err := jobs.Stop(); err != nil {
			log.Warn().Err(err).Msg("detener scheduler")
		}
	}()

	var app *fiber.App
	if cfg.HTTP.Enabled {
		app = fiber.New(fiber.Config{
			AppName:      cfg.App.Name,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		})
		app.Use(recover.New())
		httpRouter.Router(app, httpRouter.RouterDeps{
			Fiscal:    httpRouter.NewFiscalHandler(engine, pipeline, rideUC),
			JWTSecret: cfg.HTTP.JWTSecret,
		})
		go func() {
			if err := app.Listen(cfg.HTTP.Addr()); err != nil {
				log.Error().Err(err).Msg("servidor HTTP finalizado")
			}
		}()
	}

	runErr := engine.Run(ctx)

	if app != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("apagado del servidor")
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Fiscal.Store == "memory" {
		mem := memstore.New()
		st := &stores{
			taxRates:  mem.TaxRates,
			sequences: mem.Sequences,
			sales:     mem.Sales,
			outbox:    mem.Outbox,
			archive:   mem.Archive,
			closeFn:   func() {},
		}
		return st, seedMemoryRates(ctx, mem.TaxRates)
	}

	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("conexión a PostgreSQL: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("esquema: %w", err)
	}
	st := &stores{
		taxRates:  postgres.NewTaxRateRepository(pool),
		sequences: postgres.NewSequenceRepository(pool),
		sales:     postgres.NewSaleRepository(pool),
		outbox:    postgres.NewOutboxRepository(pool),
		archive:   postgres.NewArchiveRepository(pool),
		closeFn:   pool.Close,
	}
	if cfg.Fiscal.Archive == "minio" {
		archive, err := openMinIO(ctx, cfg.MinIO)
		if err != nil {
			pool.Close()
			return nil, err
		}
		st.archive = archive
	}
	return st, nil
}

func openMinIO(ctx context.Context, mc config.MinIOConfig) (*storage.MinIOArchive, error) {
	archive, err := storage.NewMinIOArchive(mc.Endpoint, mc.AccessKey, mc.SecretKey, mc.Bucket, mc.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}
	if err := archive.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("minio bucket: %w", err)
	}
	return archive, nil
}

// seedMemoryRates precarga el IVA vigente para que el modo en memoria sea
// utilizable sin base de datos.
func seedMemoryRates(ctx context.Context, repo repository.TaxRateRepository) error {
	for _, r := range pkgsri.IVARates {
		rate := entity.TaxRate{
			Code:      r.Code,
			Name:      r.Name,
			TaxCode:   pkgsri.TaxCodeIVA,
			Percent:   money.MustParse(r.Percent, 2),
			IsDefault: r.Code == pkgsri.DefaultIVARate,
		}
		if err := repo.Upsert(ctx, rate, "bootstrap"); err != nil {
			return fmt.Errorf("tarifas iniciales: %w", err)
		}
	}
	return nil
}

func issuerFrom(cfg *config.Config) (entity.Issuer, error) {
	ic := cfg.Fiscal.Issuer
	env := pkgsri.Environment(cfg.Fiscal.Environment)
	if env != pkgsri.EnvTest && env != pkgsri.EnvProd {
		return entity.Issuer{}, fmt.Errorf("ambiente desconocido %q", cfg.Fiscal.Environment)
	}
	return entity.Issuer{
		TaxID:                ic.TaxID,
		LegalName:            ic.LegalName,
		CommercialName:       ic.CommercialName,
		Address:              ic.Address,
		EstablishmentAddress: ic.EstablishmentAddress,
		AccountingRequired:   ic.AccountingRequired,
		SpecialTaxpayer:      ic.SpecialTaxpayer,
		Environment:          env,
		EmissionMode:         pkgsri.EmissionModeNormal,
		Establishment:        ic.Establishment,
		EmissionPoint:        ic.EmissionPoint,
		ReceiveURLTest:       cfg.Fiscal.Endpoints.ReceiveTest,
		ReceiveURLProd:       cfg.Fiscal.Endpoints.ReceiveProd,
		AuthorizeURLTest:     cfg.Fiscal.Endpoints.AuthorizeTest,
		AuthorizeURLProd:     cfg.Fiscal.Endpoints.AuthorizeProd,
	}, nil
}
