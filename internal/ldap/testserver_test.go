package ldap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// LDAP protocol operation tags handled by the test server.
const (
	testOpBindRequest      ber.Tag = 0
	testOpBindResponse     ber.Tag = 1
	testOpUnbindRequest    ber.Tag = 2
	testOpSearchRequest    ber.Tag = 3
	testOpSearchEntry      ber.Tag = 4
	testOpSearchDone       ber.Tag = 5
	testOpAbandonRequest   ber.Tag = 16
	testOpExtendedRequest  ber.Tag = 23
	testOpExtendedResponse ber.Tag = 24

	testFilterPresent ber.Tag = 7

	testWhoAmIOID = "1.3.6.1.4.1.4203.1.11.3"

	testResultSuccess            = 0
	testResultProtocolError      = 2
	testResultInvalidCredentials = 49
	testResultBusy               = 51
	testResultUnwillingToPerform = 53

	testBindDN       = "cn=admin,dc=example,dc=org"
	testBindPassword = "s3cr3t"
	testUsersBaseDN  = "ou=users,dc=example,dc=org"
)

type testDirectoryEntry struct {
	dn    string
	attrs map[string][]string
}

// testDirectoryServer is a minimal in-process LDAP server. It answers simple
// binds, searches over a fixed set of entries and the WhoAmI extended
// operation. It can be told to stop answering, to refuse extended operations
// or to drop every connection.
type testDirectoryServer struct {
	listener net.Listener
	scheme   string
	entries  []testDirectoryEntry

	stalled  atomic.Bool
	busy     atomic.Bool
	accepted atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// newTestDirectoryServer starts a plaintext server on a random loopback port.
func newTestDirectoryServer(t testing.TB) *testDirectoryServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	return startTestDirectoryServer(t, listener, SchemeLDAP)
}

// newTLSTestDirectoryServer starts an LDAPS server and returns the PEM of its
// self-signed certificate.
func newTLSTestDirectoryServer(t testing.TB) (*testDirectoryServer, string) {
	t.Helper()

	cert, certPEM := generateTestCertificate(t)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	return startTestDirectoryServer(t, listener, SchemeLDAPS), certPEM
}

func startTestDirectoryServer(t testing.TB, listener net.Listener, scheme string) *testDirectoryServer {
	s := &testDirectoryServer{
		listener: listener,
		scheme:   scheme,
		conns:    make(map[net.Conn]struct{}),
		entries: []testDirectoryEntry{
			{
				dn: "cn=alice,ou=users,dc=example,dc=org",
				attrs: map[string][]string{
					"objectClass": {"inetOrgPerson"},
					"cn":          {"alice"},
					"sn":          {"Liddell"},
				},
			},
			{
				dn: "ou=groups,dc=example,dc=org",
				attrs: map[string][]string{
					"objectClass": {"organizationalUnit"},
					"ou":          {"groups"},
				},
			},
		},
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// URL returns the endpoint of the server.
func (s *testDirectoryServer) URL() string {
	return s.scheme + "://" + s.listener.Addr().String()
}

// Stall makes the server read requests without ever answering them.
func (s *testDirectoryServer) Stall() {
	s.stalled.Store(true)
}

// Busy makes the server answer every extended operation with resultCode 51
// while still serving binds and searches.
func (s *testDirectoryServer) Busy() {
	s.busy.Store(true)
}

// DropConnections closes every accepted connection from the server side.
func (s *testDirectoryServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}

// Accepted returns the number of connections accepted so far.
func (s *testDirectoryServer) Accepted() int64 {
	return s.accepted.Load()
}

// Close stops the listener and drops every connection.
func (s *testDirectoryServer) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *testDirectoryServer) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *testDirectoryServer) forget(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[conn]; ok {
		conn.Close()
		delete(s.conns, conn)
	}
}

func (s *testDirectoryServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.forget(conn)

	boundDN := ""
	for {
		packet, err := ber.ReadPacket(conn)
		if err != nil {
			return
		}

		if len(packet.Children) < 2 {
			return
		}

		if s.stalled.Load() {
			continue
		}

		messageID, _ := packet.Children[0].Value.(int64)
		op := packet.Children[1]

		var responses []*ber.Packet
		switch op.Tag {
		case testOpBindRequest:
			var code int64
			code, boundDN = s.bind(op, boundDN)
			responses = append(responses, testResult(testOpBindResponse, code, ""))
		case testOpUnbindRequest:
			return
		case testOpAbandonRequest:
			continue
		case testOpSearchRequest:
			responses = append(responses, s.search(op)...)
		case testOpExtendedRequest:
			responses = append(responses, s.extended(op, boundDN))
		default:
			responses = append(responses, testResult(testOpExtendedResponse, testResultProtocolError, "unsupported operation"))
		}

		for _, response := range responses {
			envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
			envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
			envelope.AppendChild(response)
			if _, err := conn.Write(envelope.Bytes()); err != nil {
				return
			}
		}
	}
}

func (s *testDirectoryServer) bind(op *ber.Packet, boundDN string) (int64, string) {
	if len(op.Children) < 3 {
		return testResultProtocolError, boundDN
	}

	name, _ := op.Children[1].Value.(string)
	password := op.Children[2].Data.String()

	switch {
	case name == "" && password == "":
		return testResultSuccess, ""
	case strings.EqualFold(name, testBindDN) && password == testBindPassword:
		return testResultSuccess, testBindDN
	default:
		return testResultInvalidCredentials, boundDN
	}
}

func (s *testDirectoryServer) search(op *ber.Packet) []*ber.Packet {
	if len(op.Children) < 8 {
		return []*ber.Packet{testResult(testOpSearchDone, testResultProtocolError, "malformed search request")}
	}

	baseDN, _ := op.Children[0].Value.(string)
	scope, _ := op.Children[1].Value.(int64)
	filter := op.Children[6]

	var requested []string
	for _, attr := range op.Children[7].Children {
		if name, ok := attr.Value.(string); ok {
			requested = append(requested, name)
		}
	}

	var responses []*ber.Packet
	for _, entry := range s.entries {
		if !testInScope(entry.dn, baseDN, scope) || !testMatchesFilter(entry, filter) {
			continue
		}

		result := ber.Encode(ber.ClassApplication, ber.TypeConstructed, testOpSearchEntry, nil, "Search Result Entry")
		result.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, entry.dn, "Object Name"))

		attributes := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
		for name, values := range entry.attrs {
			if !testAttributeRequested(name, requested) {
				continue
			}
			attribute := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attribute")
			attribute.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "Type"))
			set := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
			for _, value := range values {
				set.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, value, "Value"))
			}
			attribute.AppendChild(set)
			attributes.AppendChild(attribute)
		}
		result.AppendChild(attributes)

		responses = append(responses, result)
	}

	return append(responses, testResult(testOpSearchDone, testResultSuccess, ""))
}

func (s *testDirectoryServer) extended(op *ber.Packet, boundDN string) *ber.Packet {
	if s.busy.Load() {
		return testResult(testOpExtendedResponse, testResultBusy, "server is busy")
	}

	oid := ""
	if len(op.Children) > 0 {
		oid = op.Children[0].Data.String()
	}

	if oid != testWhoAmIOID {
		return testResult(testOpExtendedResponse, testResultUnwillingToPerform, "extended operation not supported")
	}

	response := testResult(testOpExtendedResponse, testResultSuccess, "")
	if boundDN != "" {
		response.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, "dn:"+boundDN, "Authz ID"))
	}
	return response
}

// testResult builds an LDAPResult-shaped protocol operation.
func testResult(tag ber.Tag, code int64, message string) *ber.Packet {
	result := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Result")
	result.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, code, "Result Code"))
	result.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "Matched DN"))
	result.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, message, "Diagnostic Message"))
	return result
}

func testInScope(dn, baseDN string, scope int64) bool {
	dn, baseDN = strings.ToLower(dn), strings.ToLower(baseDN)

	switch scope {
	case 0: // base object
		return dn == baseDN
	default:
		return baseDN == "" || dn == baseDN || strings.HasSuffix(dn, ","+baseDN)
	}
}

func testMatchesFilter(entry testDirectoryEntry, filter *ber.Packet) bool {
	if filter.ClassType != ber.ClassContext || filter.Tag != testFilterPresent {
		return true
	}

	attribute := filter.Data.String()
	for name := range entry.attrs {
		if strings.EqualFold(name, attribute) {
			return true
		}
	}
	return false
}

func testAttributeRequested(name string, requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	for _, attr := range requested {
		if attr == "*" || strings.EqualFold(attr, name) {
			return true
		}
	}
	return false
}

// generateTestCertificate creates a self-signed certificate for 127.0.0.1.
func generateTestCertificate(t testing.TB) (tls.Certificate, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ldappool test server"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("failed to load key pair: %v", err)
	}

	return cert, string(certPEM)
}
