// Package server wires the Query Engine and the transfer Handler into a
// single dns.Handler, grounded on
// the teacher's own server.go ServeDNS/handleRequest decision tree (RRL
// check -> NOTIFY -> per-type switch -> DNSSEC signing of the final
// answer) trimmed to what SPEC_FULL.md §6's wire contract actually
// dictates: AA/TC/RA flag semantics and AXFR/IXFR/NOTIFY dispatch. Rate
// limiting, query logging, and recursive fallback are transport-layer
// concerns this core does not implement.
package server

import (
	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/logsink"
	"github.com/Paul1404/DnsServer/transfer"
	"github.com/Paul1404/DnsServer/zone"
)

// Server answers DNS requests over a zone.Tree, delegating AXFR/IXFR/
// NOTIFY framing to a transfer.Handler and DNSSEC OK handling to the
// Query Engine's wired ProofProvider.
type Server struct {
	engine   *zone.Engine
	transfer *transfer.Handler
	log      logsink.Sink
}

// New builds a Server over engine, with xfer handling AXFR/IXFR/NOTIFY.
// xfer may be nil, in which case transfer requests are refused.
func New(engine *zone.Engine, xfer *transfer.Handler, log logsink.Sink) *Server {
	if log == nil {
		log = logsink.Discard
	}
	return &Server{engine: engine, transfer: xfer, log: log}
}

// ServeDNS implements dns.Handler, grounded on the teacher's own
// ServeDNS -> handleRequest indirection (kept here so tests can call
// handleRequest directly without a real net.Conn).
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	s.handleRequest(w, r)
}

func (s *Server) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	if r.Opcode == dns.OpcodeNotify {
		if s.transfer != nil {
			s.transfer.HandleNotify(w, r)
			return
		}
		s.refuse(w, r)
		return
	}

	if len(r.Question) == 1 {
		switch r.Question[0].Qtype {
		case dns.TypeAXFR:
			if s.transfer != nil {
				s.transfer.HandleAXFR(w, r)
				return
			}
			s.refuse(w, r)
			return
		case dns.TypeIXFR:
			if s.transfer != nil {
				s.transfer.HandleIXFR(w, r)
				return
			}
			s.refuse(w, r)
			return
		}
	}

	m := new(dns.Msg)
	m.SetReply(r)

	wantDNSSEC := false
	if opt := r.IsEdns0(); opt != nil {
		wantDNSSEC = opt.Do()
		edns := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		edns.SetUDPSize(opt.UDPSize())
		edns.SetDo(wantDNSSEC)
		m.Extra = append(m.Extra, edns)
	}

	recursionAllowed := false // this core answers authoritatively only

	for _, q := range r.Question {
		resp := s.engine.Query(zone.Question{
			Name:             q.Name,
			Type:             q.Qtype,
			WantsDNSSEC:      wantDNSSEC,
			RecursionAllowed: recursionAllowed,
		})
		s.applyResponse(m, resp)
	}

	if err := w.WriteMsg(m); err != nil {
		s.log.WriteErr(err)
	}
}

func (s *Server) applyResponse(m *dns.Msg, resp zone.Response) {
	if resp.NoAuthority {
		m.Authoritative = false
		m.Rcode = dns.RcodeRefused
		return
	}
	m.Authoritative = resp.AA
	m.RecursionAvailable = resp.RA
	if len(resp.ForwardTo) > 0 {
		// Forwarding the question to an upstream resolver is a transport
		// concern; the engine only tells us which targets apply.
		m.Rcode = dns.RcodeServerFailure
		return
	}
	if resp.Rcode != 0 {
		m.Rcode = resp.Rcode
	}
	m.Answer = append(m.Answer, resp.Answer...)
	m.Ns = append(m.Ns, resp.Authority...)
	m.Extra = append(m.Extra, resp.Additional...)
}

func (s *Server) refuse(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(r, dns.RcodeRefused)
	if err := w.WriteMsg(m); err != nil {
		s.log.WriteErr(err)
	}
}

// ListenAndServe starts UDP and TCP listeners on addr, grounded on the
// teacher's own Start method (UDP in its own goroutine, TCP blocking the
// caller). Returns once the TCP listener exits.
func (s *Server) ListenAndServe(addr string) error {
	udp := &dns.Server{Addr: addr, Net: "udp", Handler: s}
	go func() {
		if err := udp.ListenAndServe(); err != nil {
			s.log.WriteErr(err)
		}
	}()

	tcp := &dns.Server{Addr: addr, Net: "tcp", Handler: s}
	return tcp.ListenAndServe()
}
