package policyopa

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"evidenceledger/internal/domain"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

const defaultQuery = "data.evidenceledger.payload.result"

const DefaultBundleID = "payload_v1"

//go:embed policy/*.rego
var defaultBundle embed.FS

// Engine evaluates append payloads against a rego bundle. Only deterministic
// builtins are available to the policy.
type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
	bundleID   string
}

// NewDefaultEngine loads the policy compiled into the binary.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	sub, err := fs.Sub(defaultBundle, "policy")
	if err != nil {
		return nil, err
	}
	return NewEngineFromFS(ctx, sub, DefaultBundleID)
}

// NewEngineFromBundlePath loads an operator supplied policy directory.
func NewEngineFromBundlePath(ctx context.Context, bundlePath string, bundleID string) (*Engine, error) {
	return NewEngineFromFS(ctx, os.DirFS(bundlePath), bundleID)
}

func NewEngineFromFS(ctx context.Context, fsys fs.FS, bundleID string) (*Engine, error) {
	files, err := loadPolicyFiles(fsys)
	if err != nil {
		return nil, err
	}
	bundleHash, err := policyDigest(files)
	if err != nil {
		return nil, err
	}
	var opts []func(*rego.Rego)
	modules := 0
	for _, file := range files {
		switch {
		case file.isModule():
			modules++
			opts = append(opts, rego.Module(file.Path, string(file.source)))
		case file.Path == "data.json":
			var data map[string]any
			if err := json.Unmarshal(file.source, &data); err != nil {
				return nil, fmt.Errorf("decode data.json: %w", err)
			}
			opts = append(opts, rego.Store(inmem.NewFromObject(data)))
		}
	}
	if modules == 0 {
		return nil, errors.New("policy bundle has no rego modules")
	}
	return newEngine(ctx, bundleHash, bundleID, opts...)
}

func newEngine(ctx context.Context, bundleHash, bundleID string, sources ...func(*rego.Rego)) (*Engine, error) {
	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	opts := []func(*rego.Rego){
		rego.Query(defaultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
	}
	opts = append(opts, sources...)
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}

	return &Engine{
		query:      prepared,
		bundleHash: bundleHash,
		bundleID:   bundleID,
	}, nil
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

func (e *Engine) Evaluate(ctx context.Context, input domain.PayloadPolicyInput) (domain.PolicyEvaluation, error) {
	if e == nil {
		return domain.PolicyEvaluation{}, errors.New("policy engine is nil")
	}
	if input.Payload == nil {
		input.Payload = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.PolicyEvaluation{}, errors.New("empty policy result")
	}
	raw := results[0].Expressions[0].Value
	result, err := decodePolicyResult(raw)
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}
	normalizePolicyResult(&result)
	return domain.PolicyEvaluation{
		BundleID:   e.bundleID,
		BundleHash: e.bundleHash,
		Result:     result,
	}, nil
}

// Validate implements the append-edge payload check. A denial is returned as
// *domain.PayloadRejectedError.
func (e *Engine) Validate(ctx context.Context, eventType string, payload map[string]any) error {
	eval, err := e.Evaluate(ctx, domain.PayloadPolicyInput{EventType: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("evaluate payload policy: %w", err)
	}
	if eval.Result.Allow {
		return nil
	}
	return &domain.PayloadRejectedError{EventType: eventType, Deny: eval.Result.Deny}
}

func decodePolicyResult(value any) (domain.PolicyResult, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	var result domain.PolicyResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return domain.PolicyResult{}, err
	}
	return result, nil
}

func normalizePolicyResult(result *domain.PolicyResult) {
	if result == nil {
		return
	}
	sort.Slice(result.Deny, func(i, j int) bool {
		if result.Deny[i].Code == result.Deny[j].Code {
			return result.Deny[i].Message < result.Deny[j].Message
		}
		return result.Deny[i].Code < result.Deny[j].Code
	})
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	if compiler == nil {
		return errors.New("policy compiler is nil")
	}
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; ok {
				return false
			}
			forbidden[name] = struct{}{}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}
