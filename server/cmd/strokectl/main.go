// Command strokectl scores records offline and manages the model registry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/san-kum/stroke-risk/server/features"
	"github.com/san-kum/stroke-risk/server/middleware"
	"github.com/san-kum/stroke-risk/server/ml"
	"github.com/san-kum/stroke-risk/server/models"
	"github.com/san-kum/stroke-risk/server/predictor"
	"github.com/san-kum/stroke-risk/server/registry"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

const usage = `usage: strokectl <command> [flags]

commands:
  derive     print the derived feature record for a JSON input
  predict    score a JSON input against a local model bundle
  register   add a model artifact to the registry
  list       list registered model versions
  activate   mark a registered version as active
  token      issue an admin token for the reload endpoint
`

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if os.Getenv("LOG_FORMAT") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(level)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "derive":
		err = runDerive(os.Args[2:], os.Stdout)
	case "predict":
		err = runPredict(ctx, os.Args[2:], os.Stdout)
	case "register":
		err = runRegister(ctx, log, os.Args[2:])
	case "list":
		err = runList(ctx, os.Args[2:], os.Stdout)
	case "activate":
		err = runActivate(ctx, log, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		log.WithError(err).WithField("command", os.Args[1]).Error("command failed")
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// readInput reads one JSON record from path, or stdin when path is "-".
func readInput(path string) (models.RawInput, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return models.RawInput{}, err
		}
		defer f.Close()
		r = f
	}

	var req models.PredictRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return models.RawInput{}, fmt.Errorf("failed to decode input: %w", err)
	}
	return req.ToRawInput()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runDerive(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("derive", flag.ContinueOnError)
	input := fs.String("input", "-", "JSON record to derive, - for stdin")
	metaPath := fs.String("metadata", getEnv("MODEL_METADATA_PATH", "artifacts/model_meta.json"), "model metadata providing glucose quantiles")
	if err := fs.Parse(args); err != nil {
		return err
	}

	quantiles := features.DefaultGlucoseQuantiles
	if data, err := os.ReadFile(*metaPath); err == nil {
		meta, err := ml.ParseMetadata(data)
		if err != nil {
			return err
		}
		quantiles = meta.GlucoseQuantiles
	}

	raw, err := readInput(*input)
	if err != nil {
		return err
	}
	enriched := features.Derive(raw, quantiles)
	return writeJSON(out, enriched)
}

func runPredict(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	input := fs.String("input", "-", "JSON record to score, - for stdin")
	artifact := fs.String("artifact", getEnv("MODEL_ARTIFACT_PATH", "artifacts/stroke_model.json"), "model artifact")
	metaPath := fs.String("metadata", getEnv("MODEL_METADATA_PATH", "artifacts/model_meta.json"), "model metadata")
	explain := fs.Bool("explain", false, "include adjustments and the feature vector")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bundle, err := ml.LoadBundleFromFiles(*artifact, *metaPath)
	if err != nil {
		return err
	}
	raw, err := readInput(*input)
	if err != nil {
		return err
	}

	service := predictor.NewService(bundle, nil, 0, zap.NewNop())
	return writeJSON(out, service.Respond(ctx, raw, *explain))
}

func openStore(fs *flag.FlagSet) *string {
	return fs.String("db", getEnv("MODEL_REGISTRY_PATH", "data/registry.db"), "registry database")
}

func runRegister(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	db := openStore(fs)
	version := fs.String("version", "", "version label, defaults to the artifact's version")
	artifactPath := fs.String("artifact", "artifacts/stroke_model.json", "model artifact")
	metaPath := fs.String("metadata", "artifacts/model_meta.json", "model metadata")
	notes := fs.String("notes", "", "free-form notes")
	activate := fs.Bool("activate", false, "activate the version after registering")
	if err := fs.Parse(args); err != nil {
		return err
	}

	artifact, err := os.ReadFile(*artifactPath)
	if err != nil {
		return err
	}
	metadata, err := os.ReadFile(*metaPath)
	if err != nil {
		return err
	}
	if *version == "" {
		bundle, err := ml.NewLocalBundle(artifact, metadata, *artifactPath)
		if err != nil {
			return err
		}
		*version = bundle.Version()
	}

	store, err := registry.NewStore(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Register(ctx, *version, artifact, metadata, *notes)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"version":   rec.Version,
		"threshold": rec.Threshold,
		"db":        *db,
	}).Info("model registered")

	if *activate {
		if err := store.Activate(ctx, rec.Version); err != nil {
			return err
		}
		log.WithField("version", rec.Version).Info("model activated")
	}
	return nil
}

func runList(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	db := openStore(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := registry.NewStore(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		marker := " "
		if rec.Active {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %-24s threshold=%.3f  %s  %s\n",
			marker, rec.Version, rec.Threshold, rec.CreatedAt.Format(time.RFC3339), rec.Notes)
	}
	return nil
}

func runActivate(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	db := openStore(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("activate takes exactly one version")
	}

	store, err := registry.NewStore(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Activate(ctx, fs.Arg(0)); err != nil {
		return err
	}
	log.WithField("version", fs.Arg(0)).Info("model activated; POST /api/v1/admin/reload to pick it up")
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "operator", "token subject")
	role := fs.String("role", middleware.RoleAdmin, "token role")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := os.Getenv("JWT_SECRET_KEY")
	if secret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is not set")
	}
	auth := middleware.NewAuthMiddleware(secret, zap.NewNop())
	token, err := auth.GenerateToken(*user, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
