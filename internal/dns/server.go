// Package dns 以DNS协议对外提供服务发现：A/AAAA 返回负载均衡选出的实例，SRV 返回全部可用实例
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/balancer"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/discovery"
)

// Server 服务发现DNS服务器
type Server struct {
	cfg      Config
	domain   string
	resolver Resolver
	logger   config.Logger

	udpServer  *dns.Server
	tcpServer  *dns.Server
	udpConn    net.PacketConn
	tcpLn      net.Listener
	shutdownWg sync.WaitGroup
}

// NewServer 创建DNS服务器
func NewServer(cfg Config, resolver Resolver, logger config.Logger) *Server {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	def := DefaultConfig()
	if cfg.Domain == "" {
		cfg.Domain = def.Domain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if !cfg.EnableTCP && !cfg.EnableUDP {
		cfg.EnableUDP = true
	}

	return &Server{
		cfg:      cfg,
		domain:   dns.Fqdn(strings.ToLower(strings.Trim(cfg.Domain, "."))),
		resolver: resolver,
		logger:   logger,
	}
}

// Start 绑定监听地址并在后台处理请求
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.EnableUDP {
		pc, err := net.ListenPacket("udp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("监听UDP地址失败: %w", err)
		}
		s.udpConn = pc
		s.udpServer = &dns.Server{
			PacketConn:   pc,
			Net:          "udp",
			Handler:      s,
			ReadTimeout:  s.cfg.Timeout,
			WriteTimeout: s.cfg.Timeout,
		}
		if err := s.serve("UDP", s.udpServer); err != nil {
			return err
		}
	}

	if s.cfg.EnableTCP {
		addr := s.cfg.Addr
		if s.udpConn != nil {
			// 与UDP使用同一端口
			addr = s.udpConn.LocalAddr().String()
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("监听TCP地址失败: %w", err)
		}
		s.tcpLn = ln
		s.tcpServer = &dns.Server{
			Listener:     ln,
			Net:          "tcp",
			Handler:      s,
			ReadTimeout:  s.cfg.Timeout,
			WriteTimeout: s.cfg.Timeout,
		}
		if err := s.serve("TCP", s.tcpServer); err != nil {
			s.Stop()
			return err
		}
	}

	s.logger.Info("DNS服务器已启动", zap.String("address", s.Addr()), zap.String("domain", s.domain))
	return nil
}

// serve 在后台处理请求，等待服务器就绪后返回
func (s *Server) serve(proto string, srv *dns.Server) error {
	started := make(chan struct{})
	failed := make(chan error, 1)
	srv.NotifyStartedFunc = func() { close(started) }

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error(proto+" DNS服务器异常退出", zap.Error(err))
			failed <- err
		}
	}()

	select {
	case <-started:
		return nil
	case err := <-failed:
		return fmt.Errorf("启动%s DNS服务器失败: %w", proto, err)
	}
}

// Addr 返回实际监听的地址
func (s *Server) Addr() string {
	switch {
	case s.udpConn != nil:
		return s.udpConn.LocalAddr().String()
	case s.tcpLn != nil:
		return s.tcpLn.Addr().String()
	}
	return s.cfg.Addr
}

// Stop 停止DNS服务器
func (s *Server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭UDP服务器失败: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭TCP服务器失败: %w", err))
		}
	}

	s.shutdownWg.Wait()
	return errors.Join(errs...)
}

// ServeDNS 处理DNS请求
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		s.write(w, m)
		return
	}
	q := r.Question[0]

	service, ok := s.parseServiceDomain(q.Name)
	if !ok {
		s.forward(w, r, m)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	var err error
	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA:
		err = s.answerAddress(ctx, m, q, service, clientIP(w.RemoteAddr()))
	case dns.TypeSRV:
		err = s.answerSRV(ctx, m, q, service)
	default:
		// 服务存在但没有该类型的记录
		m.Ns = append(m.Ns, s.soa())
	}

	if err != nil {
		m.Rcode = rcodeFor(err)
		if m.Rcode == dns.RcodeNameError {
			m.Ns = append(m.Ns, s.soa())
		}
		s.logger.Debug("DNS查询无结果",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]),
			zap.Error(err))
	}
	s.write(w, m)
}

// answerAddress 通过负载均衡选出一个实例作为应答
func (s *Server) answerAddress(ctx context.Context, m *dns.Msg, q dns.Question, service, client string) error {
	inst, err := s.resolver.Discover(ctx, discovery.Query{
		Name:    service,
		Request: balancer.Request{ClientIP: client},
	})
	if err != nil {
		return err
	}

	rr := s.addressRecord(q.Name, inst.Address)
	switch {
	case rr == nil:
		return nil
	case rr.Header().Rrtype == dns.TypeCNAME || rr.Header().Rrtype == q.Qtype:
		m.Answer = append(m.Answer, rr)
	default:
		// 地址族不匹配，返回空应答
		m.Ns = append(m.Ns, s.soa())
	}
	return nil
}

// answerSRV 返回全部可用实例的SRV记录，地址放在附加部分
func (s *Server) answerSRV(ctx context.Context, m *dns.Msg, q dns.Question, service string) error {
	list, err := s.resolver.DiscoverAll(ctx, discovery.Query{Name: service})
	if err != nil {
		return err
	}

	for _, inst := range list {
		target := dns.Fqdn(fmt.Sprintf("%s.%s.%s", hostLabel(inst.ID), hostLabel(service), strings.TrimSuffix(s.domain, ".")))
		m.Answer = append(m.Answer, &dns.SRV{
			Hdr:      s.header(q.Name, dns.TypeSRV),
			Priority: 0,
			Weight:   uint16(inst.Weight),
			Port:     uint16(inst.Port),
			Target:   target,
		})
		if rr := s.addressRecord(target, inst.Address); rr != nil {
			m.Extra = append(m.Extra, rr)
		}
	}
	return nil
}

// addressRecord 按地址类型生成A、AAAA或CNAME记录
func (s *Server) addressRecord(name, address string) dns.RR {
	ip := net.ParseIP(address)
	switch {
	case ip == nil:
		if address == "" {
			return nil
		}
		return &dns.CNAME{Hdr: s.header(name, dns.TypeCNAME), Target: dns.Fqdn(address)}
	case ip.To4() != nil:
		return &dns.A{Hdr: s.header(name, dns.TypeA), A: ip.To4()}
	default:
		return &dns.AAAA{Hdr: s.header(name, dns.TypeAAAA), AAAA: ip}
	}
}

func (s *Server) header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: s.cfg.TTL}
}

func (s *Server) soa() dns.RR {
	return &dns.SOA{
		Hdr:     s.header(s.domain, dns.TypeSOA),
		Ns:      "ns." + s.domain,
		Mbox:    "hostmaster." + s.domain,
		Serial:  1,
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  s.cfg.TTL,
	}
}

// parseServiceDomain 解析服务域名，支持 <service>.<domain> 和 _<service>._<proto>.<domain>
func (s *Server) parseServiceDomain(name string) (string, bool) {
	name = dns.Fqdn(strings.ToLower(name))
	if !strings.HasSuffix(name, "."+s.domain) {
		return "", false
	}

	labels := dns.SplitDomainName(strings.TrimSuffix(name, "."+s.domain))
	switch {
	case len(labels) == 1 && !strings.HasPrefix(labels[0], "_"):
		return labels[0], true
	case len(labels) == 2 && strings.HasPrefix(labels[0], "_") && strings.HasPrefix(labels[1], "_"):
		return strings.TrimPrefix(labels[0], "_"), true
	}
	return "", false
}

// forward 非服务域名转发到上游，未配置上游时返回NXDOMAIN
func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg, m *dns.Msg) {
	if len(s.cfg.Upstream) == 0 {
		m.Rcode = dns.RcodeNameError
		m.Authoritative = false
		s.write(w, m)
		return
	}

	c := &dns.Client{Timeout: s.cfg.Timeout}
	var lastErr error
	for _, upstream := range s.cfg.Upstream {
		resp, _, err := c.Exchange(r, upstream)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Truncated {
			tc := &dns.Client{Net: "tcp", Timeout: s.cfg.Timeout}
			if full, _, err := tc.Exchange(r, upstream); err == nil {
				resp = full
			}
		}
		s.write(w, resp)
		return
	}

	s.logger.Warn("所有上游DNS服务器都失败", zap.Error(lastErr))
	m.Rcode = dns.RcodeServerFailure
	s.write(w, m)
}

func (s *Server) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		s.logger.Warn("发送DNS响应失败", zap.Error(err))
	}
}

// rcodeFor 把服务发现错误映射为DNS响应码
func rcodeFor(err error) int {
	switch model.CodeOf(err) {
	case model.CodeNoHealthyInstances, model.CodeCircuitOpen, model.CodeValidation:
		return dns.RcodeNameError
	}
	return dns.RcodeServerFailure
}

func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// hostLabel 把实例ID转换为合法的DNS标签
func hostLabel(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, s)
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
