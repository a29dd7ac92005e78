package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"OpenAgent-Hub/internal/defi"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/security"
	"OpenAgent-Hub/internal/workflow"
)

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var remote, confirmed bool
	cmd := &cobra.Command{
		Use:   "analyze <text>",
		Short: "分析一段自然语言请求的意图",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if remote {
				client, err := newClient(opts)
				if err != nil {
					return err
				}
				res, err := client.AnalyzeIntent(cmd.Context(), text, confirmed)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), res)
			}
			classifier := intent.NewClassifier()
			analysis, err := classifier.Classify(text)
			if err != nil {
				return err
			}
			out := map[string]any{"analysis": analysis}
			if c := classifier.Clarify(analysis); c != nil && !confirmed {
				out["clarification"] = c
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "通过 API 服务分析")
	cmd.Flags().BoolVar(&confirmed, "confirmed", false, "已确认高风险请求，跳过澄清")
	return cmd
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <text>",
		Short: "构建工作流 DAG 并输出并行分组，不执行",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analysis, err := intent.NewClassifier().Classify(strings.Join(args, " "))
			if err != nil {
				return err
			}
			wf, err := workflow.NewBuilder().Build(analysis)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), wf)
		},
	}
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	var (
		tolerance  string
		frameworks []string
	)
	cmd := &cobra.Command{
		Use:   "scan <file>...",
		Short: "扫描源码文件中的漏洞，可选合规检查",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifacts := make([]security.Artifact, 0, len(args))
			for _, path := range args {
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("读取 %s 失败: %w", path, err)
				}
				artifacts = append(artifacts, security.Artifact{Path: path, Content: string(content)})
			}
			scanner, err := security.NewScanner(security.WithTolerance(tolerance))
			if err != nil {
				return err
			}
			report, err := scanner.Scan(cmd.Context(), artifacts)
			if err != nil {
				return err
			}
			out := map[string]any{"report": report}
			passed := report.Passed
			if len(frameworks) > 0 {
				compliance, err := scanner.CheckCompliance(cmd.Context(), artifacts, frameworks)
				if err != nil {
					return err
				}
				out["compliance"] = compliance
				passed = passed && compliance.Passed
			}
			if err := opts.print(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !passed {
				return xerrors.New(xerrors.CodeSafetyBlocked, fmt.Sprintf("扫描未通过: risk_score=%d threshold=%d", report.RiskScore, report.Threshold))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tolerance, "tolerance", "medium", "严重程度容忍度: none|low|medium|high|critical")
	cmd.Flags().StringSliceVar(&frameworks, "frameworks", nil, "合规框架，例如 general_security,defi_security")
	return cmd
}

func newDeFiCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "defi",
		Short: "DeFi 安全校验：滑点、rug pull、MEV 与组合校验",
	}
	cmd.AddCommand(
		newSlippageCmd(opts),
		newRugPullCmd(opts),
		newMEVCmd(opts),
		newValidateCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
	)
	return cmd
}

func newEngine(cmd *cobra.Command) (*defi.Engine, error) {
	return defi.NewEngine(cmd.Context())
}

func newSlippageCmd(opts *rootOptions) *cobra.Command {
	var in defi.SwapInput
	cmd := &cobra.Command{
		Use:   "slippage",
		Short: "按恒定乘积公式计算输出、最小输出与价格影响",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.ReserveIn == "" || in.ReserveOut == "" {
				return xerrors.New(xerrors.CodeInvalidInput, "离线计算需要 --reserve-in 与 --reserve-out")
			}
			p, err := in.Params()
			if err != nil {
				return err
			}
			engine, err := newEngine(cmd)
			if err != nil {
				return err
			}
			res, err := engine.Slippage(p)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.AmountIn, "amount-in", "", "输入数量（最小单位）")
	f.StringVar(&in.ReserveIn, "reserve-in", "", "输入侧储备")
	f.StringVar(&in.ReserveOut, "reserve-out", "", "输出侧储备")
	f.Uint32Var(&in.FeeBps, "fee-bps", 30, "池手续费 (bps)")
	f.Uint32Var(&in.MaxSlippageBps, "max-slippage-bps", 0, "滑点上限 (bps)，0 表示使用默认值")
	f.Uint32Var(&in.MaxPriceImpactBps, "max-impact-bps", 0, "价格影响上限 (bps)，0 表示使用默认值")
	_ = cmd.MarkFlagRequired("amount-in")
	return cmd
}

func newRugPullCmd(opts *rootOptions) *cobra.Command {
	var (
		source  string
		metrics defi.MetricsInput
		hasMeta bool
	)
	cmd := &cobra.Command{
		Use:   "rugpull",
		Short: "检测合约源码与持仓分布中的 rug pull 信号",
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			if source != "" {
				content, err := os.ReadFile(source)
				if err != nil {
					return fmt.Errorf("读取合约源码失败: %w", err)
				}
				code = string(content)
			}
			var m *defi.HolderMetrics
			if hasMeta {
				m = metrics.Metrics()
			}
			engine, err := newEngine(cmd)
			if err != nil {
				return err
			}
			report, err := engine.RugPull(code, m)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), report)
		},
	}
	f := cmd.Flags()
	f.StringVar(&source, "source", "", "合约源码文件")
	f.BoolVar(&hasMeta, "with-metrics", false, "同时评估持仓指标")
	f.Uint32Var(&metrics.TopHolderShareBps, "top-holder-bps", 0, "最大持有者占比 (bps)")
	f.IntVar(&metrics.HolderCount, "holders", 0, "持有者数量")
	f.BoolVar(&metrics.LiquidityLocked, "liquidity-locked", false, "流动性是否锁定")
	f.IntVar(&metrics.LockDays, "lock-days", 0, "锁定天数")
	return cmd
}

func newMEVCmd(opts *rootOptions) *cobra.Command {
	var (
		in       defi.TxInput
		deadline time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mev",
		Short: "评估交易的 MEV 暴露并给出保护参数",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deadline > 0 {
				d := time.Now().Add(deadline)
				in.Deadline = &d
			}
			p, err := in.Params()
			if err != nil {
				return err
			}
			engine, err := newEngine(cmd)
			if err != nil {
				return err
			}
			analysis, err := engine.MEV(cmd.Context(), p)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), analysis)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Operation, "op", "swap", "操作类型: swap|add_liquidity|remove_liquidity|transfer|stake|unstake")
	f.StringVar(&in.ValueEth, "value-eth", "", "交易价值 (ETH)")
	f.StringVar(&in.ValueWei, "value-wei", "", "交易价值 (wei)")
	f.Uint32Var(&in.SlippageBps, "slippage-bps", 0, "滑点容忍 (bps)")
	f.BoolVar(&in.PrivateRouting, "private", false, "使用私有交易通道")
	f.DurationVar(&deadline, "deadline", 0, "截止时间（相对当前）")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var file, workflowID string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "组合校验：读取 JSON 请求（文件或标准输入）并给出 allow/require_approval/block",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var in defi.RequestInput
			if err := json.NewDecoder(r).Decode(&in); err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidInput, err, "解析 DeFi 请求失败")
			}
			req, err := in.Request(workflowID)
			if err != nil {
				return err
			}
			engine, err := newEngine(cmd)
			if err != nil {
				return err
			}
			report, verr := engine.Validate(cmd.Context(), req)
			if verr != nil && !xerrors.IsCode(verr, xerrors.CodeSafetyBlocked) {
				return verr
			}
			if err := opts.print(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return verr
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "请求文件，- 表示标准输入")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "关联的工作流 ID")
	return cmd
}
