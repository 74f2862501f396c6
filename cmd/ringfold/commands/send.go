package commands

import (
	"fmt"
	"net"
	"strconv"

	"github.com/ringfold/ringfold/internal/coordinator"
	"github.com/ringfold/ringfold/internal/journal"
	"github.com/ringfold/ringfold/internal/logger"
	"github.com/ringfold/ringfold/internal/membership"
	"github.com/ringfold/ringfold/internal/sender"
	"github.com/ringfold/ringfold/internal/store"
	"github.com/spf13/cobra"
)

func Send(version string) *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send one partition to a target node's handoff listener",
		Long:  "The send command folds a partition out of the local store and streams it to the target node's handoff listener.",
		Args:  cobra.MatchAll(cobra.ExactArgs(0), cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			lgr := logger.New()
			defer func() { _ = lgr.Sync() }()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			node, _ := cmd.Flags().GetString("node")
			target, _ := cmd.Flags().GetString("target")
			host, portStr, err := net.SplitHostPort(target)
			if err != nil {
				return fmt.Errorf("parsing target address: %w", err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("parsing target port: %w", err)
			}
			resolver := membership.NewStaticResolver()
			resolver.Add(node, membership.Listener{Host: host, Port: port})

			srcFlag, _ := cmd.Flags().GetString("source-partition")
			src, err := parsePartitionID(srcFlag)
			if err != nil {
				return err
			}
			dstFlag, _ := cmd.Flags().GetString("target-partition")
			dst, err := parsePartitionID(dstFlag)
			if err != nil {
				return err
			}
			typeFlag, _ := cmd.Flags().GetString("type")
			transferType, err := parseTransferType(typeFlag)
			if err != nil {
				return err
			}

			storePath, _ := cmd.Flags().GetString("store")
			st, err := store.Open(storePath)
			if err != nil {
				return err
			}
			defer st.Close()
			partition, err := st.Partition(src)
			if err != nil {
				return err
			}

			var jrnl *journal.Journal
			if journalPath, _ := cmd.Flags().GetString("journal"); journalPath != "" {
				if jrnl, err = journal.Open(journalPath); err != nil {
					return err
				}
				defer jrnl.Close()
			}

			coord := coordinator.New(resolver, jrnl, coordinator.Config{
				Sender: sender.Config{
					ConnectTimeout: cfg.ConnectTimeout,
					ReceiveTimeout: cfg.ReceiveTimeout,
					AckInterval:    cfg.AckInterval,
					ReportInterval: cfg.ReportInterval,
					TLS:            cfg.TLSConfig(lgr),
				},
			}, lgr)

			res, err := coord.Handoff(cmd.Context(), sender.Request{
				TargetNode:      node,
				Module:          store.KV{},
				Type:            transferType,
				SourcePartition: src,
				TargetPartition: dst,
			}, partition)
			if err != nil {
				return err
			}
			fmt.Printf("handoff %s: %d objects, %d bytes in %s\n",
				res.Outcome.Name(), res.Objects, res.Bytes, res.Duration)
			return nil
		},
	}
	sendCmd.Flags().StringP("node", "n", "", "identity of the target node")
	sendCmd.Flags().StringP("target", "t", "", "host:port of the target node's handoff listener")
	sendCmd.Flags().StringP("store", "s", "ringfold.db", "path to the local partition store")
	sendCmd.Flags().String("journal", "", "path to the transfer journal, bookkeeping disabled when empty")
	sendCmd.Flags().String("source-partition", "", "partition id to fold out of the local store")
	sendCmd.Flags().String("target-partition", "", "partition id on the receiving node")
	sendCmd.Flags().String("type", "ownership", "transfer type: ownership, repair or resize")
	_ = sendCmd.MarkFlagRequired("node")
	_ = sendCmd.MarkFlagRequired("target")
	_ = sendCmd.MarkFlagRequired("source-partition")
	_ = sendCmd.MarkFlagRequired("target-partition")
	return sendCmd
}
