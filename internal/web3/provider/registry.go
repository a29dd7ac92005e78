package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenAgent-Hub/internal/config"
	"OpenAgent-Hub/internal/web3"
	"OpenAgent-Hub/internal/web3/ethereum"
)

// Dialer 根据链定义创建客户端，测试时可替换。
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// DialEVM 是默认的 EVM 链拨号器。
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
// 未配置任何链时返回 (nil, nil)，调用方据此关闭链上数据相关能力。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, nil
	}
	return Build(ctx, cfg, defs, DialEVM)
}

// Build 使用给定的拨号器构建注册表。
func Build(ctx context.Context, cfg config.Web3Config, defs web3.ChainDefinitions, dial Dialer) (*Registry, error) {
	clients := make(map[string]web3.Client)
	fail := func(err error) (*Registry, error) {
		for _, c := range clients {
			c.Close()
		}
		return nil, err
	}

	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType != "" && chainType != "evm" {
			return fail(fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type))
		}
		client, err := dial(ctx, name, chain)
		if err != nil {
			return fail(fmt.Errorf("初始化链 %s 失败: %w", name, err))
		}
		clients[name] = client
	}

	defaultChain := cfg.DefaultName
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := dial(ctx, "default", web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return fail(fmt.Errorf("默认链 %s 未在配置中找到", defaultChain))
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
