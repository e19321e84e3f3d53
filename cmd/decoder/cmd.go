package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	decoder "github.com/scttfrdmn/local-decoder-model"
	"github.com/scttfrdmn/local-decoder-model/internal/envconfig"
	"github.com/scttfrdmn/local-decoder-model/internal/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "decoder",
		Short: "Grouped-query decoder engine",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a JSON model config (default: built-in test config)")
	rootCmd.PersistentFlags().String("dtype", "", "Working precision: float32, bfloat16, float16 (default $DECODER_DTYPE or float32)")
	rootCmd.PersistentFlags().String("param-dtype", "float32", "Parameter storage precision")
	rootCmd.PersistentFlags().String("sharding", "", "Sharding profile: balanced, fully-sharded (default $DECODER_SHARDING or balanced)")
	rootCmd.PersistentFlags().String("mesh", "", "Device mesh, e.g. dp=1,fsdp=4,mp=2 (default $DECODER_MESH or single device)")

	cobra.EnableCommandSorting = false

	forwardCmd := &cobra.Command{
		Use:   "forward",
		Short: "Run one forward pass on a random-weight model",
		Args:  cobra.NoArgs,
		RunE:  ForwardHandler,
	}
	forwardCmd.Flags().String("tokens", "1,2,3,4,5,6,7,8", "Comma separated token ids")

	verifyCmd := &cobra.Command{
		Use:   "verify-cache",
		Short: "Compare cached step-by-step decoding with a full forward pass",
		Args:  cobra.NoArgs,
		RunE:  VerifyCacheHandler,
	}
	verifyCmd.Flags().String("tokens", "1,2,3,4,5,6,7,8", "Comma separated token ids")
	verifyCmd.Flags().Int("prefill", 4, "Tokens to run in the first cached call")

	shardingCmd := &cobra.Command{
		Use:   "sharding",
		Short: "Show the partition spec of every parameter and activation",
		Args:  cobra.NoArgs,
		RunE:  ShardingHandler,
	}
	shardingCmd.Flags().Int("batch", 1, "Batch size used for activation shapes")
	shardingCmd.Flags().Int("seq", 8, "Sequence length used for activation shapes")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(
		forwardCmd,
		verifyCmd,
		shardingCmd,
		envCmd,
	)

	return rootCmd
}

func loadModel(cmd *cobra.Command) (*decoder.Model, error) {
	cfg := decoder.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = decoder.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	name, _ := cmd.Flags().GetString("dtype")
	if name == "" {
		name = envconfig.DType()
	}
	dtype, err := decoder.ParseDType(name)
	if err != nil {
		return nil, err
	}

	name, _ = cmd.Flags().GetString("param-dtype")
	paramDType, err := decoder.ParseDType(name)
	if err != nil {
		return nil, err
	}

	profile, _ := cmd.Flags().GetString("sharding")
	if profile == "" {
		profile = envconfig.Sharding()
	}

	mesh := decoder.DefaultMesh()
	spec, _ := cmd.Flags().GetString("mesh")
	if spec == "" {
		spec = envconfig.Mesh()
	}
	if spec != "" {
		if mesh, err = decoder.ParseMesh(spec); err != nil {
			return nil, err
		}
	}

	compute := decoder.DefaultComputeConfig()
	compute.Parallel = envconfig.Parallel(true)
	compute.NumWorkers = int(envconfig.NumThreads())

	return decoder.NewModel(cfg, dtype, paramDType, profile,
		decoder.WithMesh(mesh),
		decoder.WithComputeConfig(compute))
}

func parseTokens(s string) ([]int, error) {
	var tokens []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		tokens = append(tokens, id)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no token ids given")
	}
	return tokens, nil
}

// argmax returns the index of the largest logit at [b, s].
func argmax(logits *decoder.Tensor, b, s int) int {
	shape := logits.Shape()
	vocab := shape[2]
	row := logits.Data()[(b*shape[1]+s)*vocab : (b*shape[1]+s+1)*vocab]

	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func ForwardHandler(cmd *cobra.Command, args []string) error {
	model, err := loadModel(cmd)
	if err != nil {
		return err
	}

	s, _ := cmd.Flags().GetString("tokens")
	tokens, err := parseTokens(s)
	if err != nil {
		return err
	}

	out, err := model.Forward(decoder.ForwardInput{InputIDs: [][]int{tokens}})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "logits %v %s\n", out.Logits.Shape(), out.Logits.DType())

	var data [][]string
	for i, tok := range tokens {
		data = append(data, []string{strconv.Itoa(i), strconv.Itoa(tok), strconv.Itoa(argmax(out.Logits, 0, i))})
	}
	renderTable(w, []string{"POSITION", "TOKEN", "ARGMAX"}, data)
	return nil
}

func VerifyCacheHandler(cmd *cobra.Command, args []string) error {
	model, err := loadModel(cmd)
	if err != nil {
		return err
	}

	s, _ := cmd.Flags().GetString("tokens")
	tokens, err := parseTokens(s)
	if err != nil {
		return err
	}
	prefill, _ := cmd.Flags().GetInt("prefill")
	if prefill < 1 || prefill > len(tokens) {
		return fmt.Errorf("prefill must be between 1 and %d", len(tokens))
	}

	full, err := model.Forward(decoder.ForwardInput{InputIDs: [][]int{tokens}})
	if err != nil {
		return err
	}

	st, err := model.PrepareGeneration([][]int{tokens[:prefill]}, nil, len(tokens))
	if err != nil {
		return err
	}

	var data [][]string
	worst := 0.0
	pos := 0
	for pos < len(tokens) {
		out, err := model.Forward(st.Input())
		if err != nil {
			return err
		}

		for i := range st.InputIDs[0] {
			diff := rowDiff(full.Logits, out.Logits, pos, i)
			worst = max(worst, diff)
			data = append(data, []string{strconv.Itoa(pos), strconv.Itoa(tokens[pos]), strconv.FormatFloat(diff, 'e', 3, 64)})
			pos++
		}

		if pos < len(tokens) {
			if err := st.Advance([]int{tokens[pos]}); err != nil {
				return err
			}
		}
	}

	w := cmd.OutOrStdout()
	renderTable(w, []string{"POSITION", "TOKEN", "MAX ABS DIFF"}, data)

	tol := model.DType().Tolerance()
	fmt.Fprintf(w, "session %s: max abs diff %.3e (tolerance %.0e)\n", st.Cache.ID(), worst, tol)
	if worst > tol {
		return fmt.Errorf("cached decoding diverged from full forward: %.3e > %.0e", worst, tol)
	}
	return nil
}

// rowDiff compares full logits at position pos with step logits at i.
func rowDiff(full, step *decoder.Tensor, pos, i int) float64 {
	vocab := full.Shape()[2]
	a := full.Data()[pos*vocab : (pos+1)*vocab]
	b := step.Data()[i*vocab : (i+1)*vocab]

	var diff float64
	for j := range a {
		d := a[j] - b[j]
		if d < 0 {
			d = -d
		}
		diff = max(diff, d)
	}
	return diff
}

func ShardingHandler(cmd *cobra.Command, args []string) error {
	model, err := loadModel(cmd)
	if err != nil {
		return err
	}

	batch, _ := cmd.Flags().GetInt("batch")
	seq, _ := cmd.Flags().GetInt("seq")
	cfg := model.Config()
	plan := model.ShardingPlan()

	type entry struct {
		name  string
		shape []int
	}
	var entries []entry
	for _, p := range model.NamedParameters() {
		entries = append(entries, entry{p.Name, p.Tensor.Shape()})
	}
	headDim := cfg.HiddenSize / cfg.NumAttentionHeads
	if cfg.HeadDim > 0 {
		headDim = cfg.HeadDim
	}
	for _, name := range model.ActivationNames() {
		var shape []int
		switch {
		case strings.HasSuffix(name, "/query"):
			shape = []int{batch, seq, cfg.NumAttentionHeads * headDim}
		case strings.HasSuffix(name, "/attn_weights"):
			shape = []int{batch, cfg.NumAttentionHeads, seq, seq}
		default:
			shape = []int{batch, seq, cfg.NumKeyValueHeads * headDim}
		}
		entries = append(entries, entry{name, shape})
	}

	var data [][]string
	for _, e := range entries {
		local := "-"
		if l, err := plan.LocalShape(e.name, e.shape); err == nil {
			local = fmt.Sprint(l)
		} else {
			slog.Debug("shard shape", "name", e.name, "error", err)
		}
		data = append(data, []string{e.name, fmt.Sprint(e.shape), plan.Resolve(e.name).String(), local})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "profile %s, mesh %v=%v\n", plan.Profile(), plan.Mesh().Axes, plan.Mesh().Shape)
	renderTable(w, []string{"NAME", "SHAPE", "PARTITION", "LOCAL SHAPE"}, data)
	return nil
}

func EnvHandler(cmd *cobra.Command, args []string) error {
	env := envconfig.AsMap()
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	slices.Sort(names)

	var data [][]string
	for _, name := range names {
		data = append(data, []string{name, fmt.Sprintf("%v", env[name].Value), env[name].Description})
	}
	renderTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"}, data)
	return nil
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
