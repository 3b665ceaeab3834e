// task-worker claims jobs from the queue service and executes them: task
// jobs through the staged agent runner, manifest jobs through the ingest
// engine. One worker process runs one job at a time.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.moonmind.dev/infra/go/metrics2"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/engine"
	"go.moonmind.dev/infra/taskworker/go/client"
	"go.moonmind.dev/infra/taskworker/go/publish"
	"go.moonmind.dev/infra/taskworker/go/runner"
	"go.moonmind.dev/infra/taskworker/go/skills"
	"go.moonmind.dev/infra/taskworker/go/worker"
)

// multiString collects a repeated flag.
type multiString []string

func (m *multiString) String() string { return strings.Join(*m, ",") }

func (m *multiString) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	var (
		queueURL     = flag.String("queue_url", "http://localhost:8000", "Base URL of the queue service.")
		workerId     = flag.String("worker_id", "", "Worker identity. Defaults to the hostname.")
		promPort     = flag.String("prom_port", ":20001", "Metrics service address.")
		workRoot     = flag.String("work_root", "/var/lib/moonmind/work", "Directory run workspaces are created under.")
		skillsCache  = flag.String("skills_cache", "/var/lib/moonmind/skills-cache", "Directory for the content-addressed skills cache.")
		skillPolicy  = flag.String("skill_policy", string(skills.PolicyPermissive), "Skill policy mode: permissive or allowlist.")
		leaseTTL     = flag.Duration("lease_ttl", 0, "Lease duration to request on claims. Zero uses the queue's default.")
		pollInterval = flag.Duration("poll_interval", 5*time.Second, "Delay between empty claim attempts.")
		keepWorkdirs = flag.Bool("keep_workdirs", false, "Leave run workspaces on disk after jobs finish, for debugging.")
		runManifests = flag.Bool("run_manifests", true, "Handle manifest ingest jobs in addition to task jobs.")

		githubTokenRef = flag.String("github_token_ref", "", "Secret reference for the GitHub token, eg. env:GITHUB_TOKEN. Empty disables pull request publishing.")
		openaiKeyRef   = flag.String("openai_key_ref", "", "Secret reference for the OpenAI API key used by manifest embedding.")
		vectorStoreRef = flag.String("vector_store_key_ref", "", "Secret reference for the vector store API key.")

		capabilities    multiString
		runtimes        multiString
		skillAllowlist  multiString
		allowedRepos    multiString
		extraSecretRefs multiString
	)
	flag.Var(&capabilities, "capability", "Capability this worker advertises. Repeatable. Defaults to the configured runtime modes plus git.")
	flag.Var(&runtimes, "runtime", "Runtime template as mode=command, eg. codex=codex exec --model {model} {instructions}. Repeatable.")
	flag.Var(&skillAllowlist, "skill_allow", "Skill name permitted in allowlist mode. Repeatable.")
	flag.Var(&allowedRepos, "allowed_repository", "Repository this worker will claim task jobs for. Repeatable; empty means all.")
	flag.Var(&extraSecretRefs, "secret_ref", "Additional secret reference to resolve and redact from output. Repeatable.")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *workerId == "" {
		hostname, err := os.Hostname()
		if err != nil {
			sklog.Fatalf("Failed to determine hostname: %s", err)
		}
		*workerId = hostname
	}

	runtimeTemplates := map[string]string{}
	for _, rt := range runtimes {
		mode, template, ok := strings.Cut(rt, "=")
		if !ok || mode == "" || template == "" {
			sklog.Fatalf("Invalid --runtime %q; want mode=command", rt)
		}
		runtimeTemplates[mode] = template
	}

	// Resolve secrets up front so that the redactor covers all of them from
	// the first event onward.
	resolved := map[string]string{}
	resolveOptional := func(ref string) string {
		if ref == "" {
			return ""
		}
		v, err := util.ResolveSecretRef(ref, nil)
		if err != nil {
			sklog.Fatalf("Failed to resolve secret: %s", err)
		}
		resolved[ref] = v
		return v
	}
	githubToken := resolveOptional(*githubTokenRef)
	openaiKey := resolveOptional(*openaiKeyRef)
	vectorStoreKey := resolveOptional(*vectorStoreRef)
	for _, ref := range extraSecretRefs {
		resolveOptional(ref)
	}
	redactor := util.NewRedactor(resolved)

	c := client.New(*queueURL, *workerId, nil)

	policy := skills.Policy{
		Mode:      skills.PolicyMode(*skillPolicy),
		Allowlist: skillAllowlist,
	}
	switch policy.Mode {
	case skills.PolicyPermissive, skills.PolicyAllowlist:
	default:
		sklog.Fatalf("Invalid --skill_policy %q", *skillPolicy)
	}
	mat, err := skills.NewMaterializer(c, *skillsCache, policy)
	if err != nil {
		sklog.Fatalf("Failed to open skills cache at %s: %s", *skillsCache, err)
	}

	var pub *publish.Publisher
	if githubToken != "" {
		pub = publish.NewGitHub(ctx, githubToken)
	} else {
		sklog.Warningf("No --github_token_ref given; pull request publishing is disabled.")
		pub = publish.New(nil)
	}

	if err := os.MkdirAll(*workRoot, 0755); err != nil {
		sklog.Fatalf("Failed to create work root %s: %s", *workRoot, err)
	}
	taskRunner := runner.New(c, mat, pub, runner.Config{
		WorkRoot:     *workRoot,
		Runtimes:     runtimeTemplates,
		Redactor:     redactor,
		KeepWorkdirs: *keepWorkdirs,
	})

	handlers := map[types.JobType]worker.Handler{
		types.JobTypeTask: taskRunner,
	}
	if *runManifests {
		handlers[types.JobTypeManifest] = engine.New(c, engine.Config{
			Secrets: map[string]string{
				"openai":       openaiKey,
				"vector_store": vectorStoreKey,
			},
		})
	}

	if len(capabilities) == 0 {
		capabilities = append(capabilities, "git")
		for mode := range runtimeTemplates {
			capabilities = append(capabilities, mode)
		}
		if *runManifests {
			capabilities = append(capabilities, types.CapabilityManifest)
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics2.Handler())
		sklog.Infof("Metrics on %s", *promPort)
		if err := http.ListenAndServe(*promPort, mux); err != nil {
			sklog.Fatalf("Metrics server failed: %s", err)
		}
	}()

	w := worker.New(c, handlers, worker.Config{
		Capabilities:        capabilities,
		AllowedRepositories: allowedRepos,
		LeaseTTL:            *leaseTTL,
		PollInterval:        *pollInterval,
	})
	w.Run(ctx)
	sklog.Infof("task-worker exiting.")
}
