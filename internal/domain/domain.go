package domain

// Actions recorded on the firehose for a single record.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Record collections exchanged between instances.
const (
	CollectionMembershipRequest  = "coop.membership.request"
	CollectionMembershipApproval = "coop.membership.approval"
	CollectionAgreementSignature = "coop.agreement.signature"
	CollectionProfile            = "coop.profile"
)

// IdentifierDocument is the resolved key and service-endpoint material
// for a DID. Shape follows the did.json documents served by every
// instance at /.well-known/did.json.
type IdentifierDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Service            []ServiceEndpoint    `json:"service,omitempty"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type ServiceEndpoint struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// FederationServiceType marks the service entry carrying an instance's
// federation base URL.
const FederationServiceType = "CoopFederationService"

// FindService returns the endpoint URL of the first service entry with
// the given type, or "" when absent.
func (d IdentifierDocument) FindService(serviceType string) string {
	for _, s := range d.Service {
		if s.Type == serviceType {
			return s.ServiceEndpoint
		}
	}
	return ""
}

// FindVerificationMethod locates a verification method by full id
// ("did#fragment") or by bare fragment.
func (d IdentifierDocument) FindVerificationMethod(keyID string) (VerificationMethod, bool) {
	for _, vm := range d.VerificationMethod {
		if vm.ID == keyID || vm.ID == d.ID+"#"+keyID {
			return vm, true
		}
	}
	return VerificationMethod{}, false
}

// ChangeEvent is one decoded firehose record operation.
type ChangeEvent struct {
	Seq         int64          `json:"seq"`
	AuthorDID   string         `json:"author_did"`
	Action      string         `json:"action" enum:"create,update,delete"`
	LocationURI string         `json:"location_uri"`
	ContentHash string         `json:"content_hash,omitempty"`
	Record      map[string]any `json:"record,omitempty"`
	Time        string         `json:"time" format:"date-time"`
}

// Event is one row of the local firehose source log.
type Event struct {
	Seq         int64  `json:"seq"`
	DID         string `json:"did"`
	Action      string `json:"action"`
	Collection  string `json:"collection"`
	RKey        string `json:"rkey"`
	Record      []byte `json:"-"`
	ContentHash string `json:"content_hash,omitempty"`
	TS          string `json:"ts" format:"date-time"`
}

// Outbox message statuses. A message is delivered only from "sending";
// "dead" requires manual intervention.
const (
	OutboxPending = "pending"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
	OutboxDead    = "dead"
)

type OutboxMessage struct {
	ID            string  `json:"id"`
	TargetURL     string  `json:"target_url"`
	Endpoint      string  `json:"endpoint"`
	Method        string  `json:"method"`
	Payload       []byte  `json:"payload,omitempty"`
	Status        string  `json:"status" enum:"pending,sending,sent,failed,dead"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	NextAttemptAt string  `json:"next_attempt_at" format:"date-time"`
	LastError     string  `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	SentAt        *string `json:"sent_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// Membership statuses. A membership becomes active only once both the
// member's request and the cooperative's approval have been seen.
const (
	MembershipPending   = "pending"
	MembershipActive    = "active"
	MembershipSuspended = "suspended"
	MembershipDeparted  = "departed"
)

// Membership is the materialized join of two independently authored
// assertions: the member's request and the cooperative's approval.
// Rows are never deleted; terminal transitions set InvalidatedAt.
type Membership struct {
	ID            string   `json:"id"`
	MemberDID     string   `json:"member_did"`
	CoopDID       string   `json:"coop_did"`
	Status        string   `json:"status" enum:"pending,active,suspended,departed"`
	Roles         []string `json:"roles,omitempty"`
	RequestURI    *string  `json:"request_uri,omitempty"`
	ApprovalURI   *string  `json:"approval_uri,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	InvalidatedAt *string  `json:"invalidated_at,omitempty" format:"date-time"`
}

// Agreement signature statuses.
const (
	SignatureRequested = "requested"
	SignatureSigned    = "signed"
	SignatureRejected  = "rejected"
	SignatureCanceled  = "canceled"
	SignatureRetracted = "retracted"
)

type AgreementSignature struct {
	ID           string  `json:"id"`
	AgreementURI string  `json:"agreement_uri"`
	SignerDID    string  `json:"signer_did"`
	CoopDID      string  `json:"coop_did"`
	Status       string  `json:"status" enum:"requested,signed,rejected,canceled,retracted"`
	PayloadJSON  *string `json:"payload_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type CoopProfile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProfileJSON string `json:"profile_json,omitempty"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type HubRegistration struct {
	CoopDID        string  `json:"coop_did"`
	BaseURL        string  `json:"base_url"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	LastNotifiedAt *string `json:"last_notified_at,omitempty" format:"date-time"`
}

type HubNotification struct {
	ID        string `json:"id"`
	CoopDID   string `json:"coop_did"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Identity is a locally registered identifier: the genesis operation it
// was derived from plus the current (mutable) document.
type Identity struct {
	DID         string `json:"did"`
	Handle      string `json:"handle,omitempty"`
	GenesisJSON string `json:"genesis_json"`
	GenesisHash string `json:"genesis_hash"`
	DocJSON     string `json:"doc_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// SigningKey is an instance keypair. PrivateKeyEnc is the AES-256-GCM
// encrypted column form: base64(iv || tag || ciphertext).
type SigningKey struct {
	DID             string `json:"did"`
	PrivateKeyEnc   string `json:"-"`
	PublicMultibase string `json:"public_multibase"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}
