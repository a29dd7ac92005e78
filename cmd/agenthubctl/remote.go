package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"OpenAgent-Hub/sdk/go/agenthub"
)

func newClient(opts *rootOptions) (*agenthub.Client, error) {
	return agenthub.NewClient(opts.server, nil)
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var confirmed, watch bool
	cmd := &cobra.Command{
		Use:   "submit <text>",
		Short: "提交请求：分析意图、构建工作流并开始执行",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			sub, err := client.SubmitWorkflow(cmd.Context(), strings.Join(args, " "), confirmed)
			if err != nil {
				if agenthub.IsCode(err, "CLARIFICATION_NEEDED") {
					fmt.Fprintln(cmd.ErrOrStderr(), "请求需要澄清，确认后使用 --confirmed 重新提交")
				}
				return err
			}
			if err := opts.print(cmd.OutOrStdout(), sub); err != nil {
				return err
			}
			if !watch || sub.Plan == nil {
				return nil
			}
			return watchWorkflow(cmd, opts, client, sub.Plan.WorkflowID)
		},
	}
	cmd.Flags().BoolVar(&confirmed, "confirmed", false, "已确认高风险请求，跳过澄清")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "提交后持续输出状态事件")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var byPlan bool
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "查询工作流状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			var st agenthub.Status
			if byPlan {
				st, err = client.PlanStatus(cmd.Context(), args[0])
			} else {
				st, err = client.WorkflowStatus(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&byPlan, "plan", false, "参数为执行计划 ID")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <workflow-id>",
		Short: "订阅工作流事件直到结束",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			return watchWorkflow(cmd, opts, client, args[0])
		},
	}
}

func watchWorkflow(cmd *cobra.Command, opts *rootOptions, client *agenthub.Client, workflowID string) error {
	compact := *opts
	compact.compact = true
	return client.Watch(cmd.Context(), workflowID, func(f agenthub.Frame) error {
		return compact.print(cmd.OutOrStdout(), f)
	})
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "取消运行中的工作流",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			if err := client.CancelWorkflow(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by user", "取消原因")
	return cmd
}

func newPauseCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "使服务端 DeFi 引擎进入紧急暂停",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			return client.PauseDeFi(cmd.Context(), reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "暂停原因")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "解除服务端 DeFi 引擎的紧急暂停",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			return client.ResumeDeFi(cmd.Context())
		},
	}
}
