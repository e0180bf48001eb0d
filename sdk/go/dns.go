package sdk

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver 通过注册中心的DNS接口解析服务，结果在本地缓存
type DNSResolver struct {
	server   string
	domain   string
	cacheTTL time.Duration
	client   *dns.Client

	mu    sync.RWMutex
	cache map[string]srvCacheEntry
}

// SRVTarget 一条SRV记录及其解析出的地址
type SRVTarget struct {
	Target string
	Port   uint16
	Weight uint16
	// Address 来自附加记录，没有附加记录时为空
	Address string
}

// Endpoint 返回 host:port 形式的访问地址，优先使用附加记录中的地址
func (t SRVTarget) Endpoint() string {
	host := t.Address
	if host == "" {
		host = strings.TrimSuffix(t.Target, ".")
	}
	return net.JoinHostPort(host, strconv.Itoa(int(t.Port)))
}

type srvCacheEntry struct {
	targets    []SRVTarget
	expiration time.Time
}

// NewDNSResolver 创建DNS解析客户端，cacheTTL为0时不缓存
func NewDNSResolver(server, domain string, cacheTTL time.Duration) *DNSResolver {
	if server == "" {
		server = "127.0.0.1:8053"
	}
	if domain == "" {
		domain = "registry.local"
	}
	return &DNSResolver{
		server:   server,
		domain:   strings.Trim(domain, "."),
		cacheTTL: cacheTTL,
		client:   &dns.Client{Timeout: 5 * time.Second},
		cache:    make(map[string]srvCacheEntry),
	}
}

// LookupSRV 查询服务的全部SRV记录
func (d *DNSResolver) LookupSRV(ctx context.Context, service string) ([]SRVTarget, error) {
	if targets := d.fromCache(service); targets != nil {
		return targets, nil
	}

	queryName := dns.Fqdn(fmt.Sprintf("_%s._tcp.%s", service, d.domain))
	m := new(dns.Msg)
	m.SetQuestion(queryName, dns.TypeSRV)

	r, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("解析SRV记录[%s]失败: %w", queryName, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("未找到服务[%s]的SRV记录: %s", queryName, dns.RcodeToString[r.Rcode])
	}

	addrs := make(map[string]string)
	for _, rr := range r.Extra {
		switch rec := rr.(type) {
		case *dns.A:
			addrs[rec.Hdr.Name] = rec.A.String()
		case *dns.AAAA:
			addrs[rec.Hdr.Name] = rec.AAAA.String()
		case *dns.CNAME:
			addrs[rec.Hdr.Name] = strings.TrimSuffix(rec.Target, ".")
		}
	}

	var targets []SRVTarget
	for _, rr := range r.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			targets = append(targets, SRVTarget{
				Target:  srv.Target,
				Port:    srv.Port,
				Weight:  srv.Weight,
				Address: addrs[srv.Target],
			})
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("未找到服务[%s]的SRV记录", queryName)
	}

	d.store(service, targets)
	return targets, nil
}

// ResolveService 按SRV权重选择一个实例，返回 host:port
func (d *DNSResolver) ResolveService(ctx context.Context, service string) (string, error) {
	targets, err := d.LookupSRV(ctx, service)
	if err != nil {
		return "", err
	}
	return selectByWeight(targets).Endpoint(), nil
}

// Invalidate 清除服务的缓存
func (d *DNSResolver) Invalidate(service string) {
	d.mu.Lock()
	delete(d.cache, service)
	d.mu.Unlock()
}

func (d *DNSResolver) fromCache(service string) []SRVTarget {
	if d.cacheTTL <= 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if entry, ok := d.cache[service]; ok && time.Now().Before(entry.expiration) {
		return entry.targets
	}
	return nil
}

func (d *DNSResolver) store(service string, targets []SRVTarget) {
	if d.cacheTTL <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache[service] = srvCacheEntry{
		targets:    targets,
		expiration: time.Now().Add(d.cacheTTL),
	}
}

// 按权重选择SRV记录
func selectByWeight(targets []SRVTarget) SRVTarget {
	if len(targets) == 1 {
		return targets[0]
	}

	totalWeight := 0
	for _, t := range targets {
		totalWeight += int(t.Weight)
	}
	if totalWeight == 0 {
		return targets[rand.IntN(len(targets))]
	}

	n := rand.IntN(totalWeight)
	for _, t := range targets {
		n -= int(t.Weight)
		if n < 0 {
			return t
		}
	}
	return targets[0]
}
