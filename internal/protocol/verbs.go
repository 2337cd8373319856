package protocol

import "fmt"

// Verb identifies one AMQP method as a single tag combining its class and
// method IDs. The set of verbs is closed: every method this client can send
// or receive appears in the table below, together with its static protocol
// capabilities. Code that needs to know whether a method is synchronous or
// carries content asks the verb instead of inspecting a decoded frame.
type Verb uint32

// MakeVerb combines a class ID and a method ID into a Verb.
func MakeVerb(classID, methodID uint16) Verb {
	return Verb(uint32(classID)<<16 | uint32(methodID))
}

// ClassID returns the AMQP class ID of the verb.
func (v Verb) ClassID() uint16 {
	return uint16(v >> 16)
}

// MethodID returns the AMQP method ID of the verb within its class.
func (v Verb) MethodID() uint16 {
	return uint16(v & 0xFFFF)
}

// All verbs of the AMQP 0-9-1 surface this client speaks.
const (
	ConnectionStart     Verb = ClassConnection<<16 | 10
	ConnectionStartOk   Verb = ClassConnection<<16 | 11
	ConnectionSecure    Verb = ClassConnection<<16 | 20
	ConnectionSecureOk  Verb = ClassConnection<<16 | 21
	ConnectionTune      Verb = ClassConnection<<16 | 30
	ConnectionTuneOk    Verb = ClassConnection<<16 | 31
	ConnectionOpen      Verb = ClassConnection<<16 | 40
	ConnectionOpenOk    Verb = ClassConnection<<16 | 41
	ConnectionClose     Verb = ClassConnection<<16 | 50
	ConnectionCloseOk   Verb = ClassConnection<<16 | 51
	ConnectionBlocked   Verb = ClassConnection<<16 | 60
	ConnectionUnblocked Verb = ClassConnection<<16 | 61

	ChannelOpen    Verb = ClassChannel<<16 | 10
	ChannelOpenOk  Verb = ClassChannel<<16 | 11
	ChannelFlow    Verb = ClassChannel<<16 | 20
	ChannelFlowOk  Verb = ClassChannel<<16 | 21
	ChannelClose   Verb = ClassChannel<<16 | 40
	ChannelCloseOk Verb = ClassChannel<<16 | 41

	ExchangeDeclare   Verb = ClassExchange<<16 | 10
	ExchangeDeclareOk Verb = ClassExchange<<16 | 11
	ExchangeDelete    Verb = ClassExchange<<16 | 20
	ExchangeDeleteOk  Verb = ClassExchange<<16 | 21
	ExchangeBind      Verb = ClassExchange<<16 | 30
	ExchangeBindOk    Verb = ClassExchange<<16 | 31
	ExchangeUnbind    Verb = ClassExchange<<16 | 40
	ExchangeUnbindOk  Verb = ClassExchange<<16 | 51

	QueueDeclare   Verb = ClassQueue<<16 | 10
	QueueDeclareOk Verb = ClassQueue<<16 | 11
	QueueBind      Verb = ClassQueue<<16 | 20
	QueueBindOk    Verb = ClassQueue<<16 | 21
	QueuePurge     Verb = ClassQueue<<16 | 30
	QueuePurgeOk   Verb = ClassQueue<<16 | 31
	QueueDelete    Verb = ClassQueue<<16 | 40
	QueueDeleteOk  Verb = ClassQueue<<16 | 41
	QueueUnbind    Verb = ClassQueue<<16 | 50
	QueueUnbindOk  Verb = ClassQueue<<16 | 51

	BasicQos          Verb = ClassBasic<<16 | 10
	BasicQosOk        Verb = ClassBasic<<16 | 11
	BasicConsume      Verb = ClassBasic<<16 | 20
	BasicConsumeOk    Verb = ClassBasic<<16 | 21
	BasicCancel       Verb = ClassBasic<<16 | 30
	BasicCancelOk     Verb = ClassBasic<<16 | 31
	BasicPublish      Verb = ClassBasic<<16 | 40
	BasicReturn       Verb = ClassBasic<<16 | 50
	BasicDeliver      Verb = ClassBasic<<16 | 60
	BasicGet          Verb = ClassBasic<<16 | 70
	BasicGetOk        Verb = ClassBasic<<16 | 71
	BasicGetEmpty     Verb = ClassBasic<<16 | 72
	BasicAck          Verb = ClassBasic<<16 | 80
	BasicReject       Verb = ClassBasic<<16 | 90
	BasicRecoverAsync Verb = ClassBasic<<16 | 100
	BasicRecover      Verb = ClassBasic<<16 | 110
	BasicRecoverOk    Verb = ClassBasic<<16 | 111
	BasicNack         Verb = ClassBasic<<16 | 120

	ConfirmSelect   Verb = ClassConfirm<<16 | 10
	ConfirmSelectOk Verb = ClassConfirm<<16 | 11

	TxSelect     Verb = ClassTx<<16 | 10
	TxSelectOk   Verb = ClassTx<<16 | 11
	TxCommit     Verb = ClassTx<<16 | 20
	TxCommitOk   Verb = ClassTx<<16 | 21
	TxRollback   Verb = ClassTx<<16 | 30
	TxRollbackOk Verb = ClassTx<<16 | 31
)

type verbInfo struct {
	name        string
	synchronous bool // expects a reply verb before the channel may send another synchronous method
	content     bool // followed by a content header and body frames
}

var verbTable = map[Verb]verbInfo{
	ConnectionStart:     {name: "Connection.Start", synchronous: true},
	ConnectionStartOk:   {name: "Connection.StartOk"},
	ConnectionSecure:    {name: "Connection.Secure", synchronous: true},
	ConnectionSecureOk:  {name: "Connection.SecureOk"},
	ConnectionTune:      {name: "Connection.Tune", synchronous: true},
	ConnectionTuneOk:    {name: "Connection.TuneOk"},
	ConnectionOpen:      {name: "Connection.Open", synchronous: true},
	ConnectionOpenOk:    {name: "Connection.OpenOk"},
	ConnectionClose:     {name: "Connection.Close", synchronous: true},
	ConnectionCloseOk:   {name: "Connection.CloseOk"},
	ConnectionBlocked:   {name: "Connection.Blocked"},
	ConnectionUnblocked: {name: "Connection.Unblocked"},

	ChannelOpen:    {name: "Channel.Open", synchronous: true},
	ChannelOpenOk:  {name: "Channel.OpenOk"},
	ChannelFlow:    {name: "Channel.Flow", synchronous: true},
	ChannelFlowOk:  {name: "Channel.FlowOk"},
	ChannelClose:   {name: "Channel.Close", synchronous: true},
	ChannelCloseOk: {name: "Channel.CloseOk"},

	ExchangeDeclare:   {name: "Exchange.Declare", synchronous: true},
	ExchangeDeclareOk: {name: "Exchange.DeclareOk"},
	ExchangeDelete:    {name: "Exchange.Delete", synchronous: true},
	ExchangeDeleteOk:  {name: "Exchange.DeleteOk"},
	ExchangeBind:      {name: "Exchange.Bind", synchronous: true},
	ExchangeBindOk:    {name: "Exchange.BindOk"},
	ExchangeUnbind:    {name: "Exchange.Unbind", synchronous: true},
	ExchangeUnbindOk:  {name: "Exchange.UnbindOk"},

	QueueDeclare:   {name: "Queue.Declare", synchronous: true},
	QueueDeclareOk: {name: "Queue.DeclareOk"},
	QueueBind:      {name: "Queue.Bind", synchronous: true},
	QueueBindOk:    {name: "Queue.BindOk"},
	QueuePurge:     {name: "Queue.Purge", synchronous: true},
	QueuePurgeOk:   {name: "Queue.PurgeOk"},
	QueueDelete:    {name: "Queue.Delete", synchronous: true},
	QueueDeleteOk:  {name: "Queue.DeleteOk"},
	QueueUnbind:    {name: "Queue.Unbind", synchronous: true},
	QueueUnbindOk:  {name: "Queue.UnbindOk"},

	BasicQos:          {name: "Basic.Qos", synchronous: true},
	BasicQosOk:        {name: "Basic.QosOk"},
	BasicConsume:      {name: "Basic.Consume", synchronous: true},
	BasicConsumeOk:    {name: "Basic.ConsumeOk"},
	BasicCancel:       {name: "Basic.Cancel", synchronous: true},
	BasicCancelOk:     {name: "Basic.CancelOk"},
	BasicPublish:      {name: "Basic.Publish", content: true},
	BasicReturn:       {name: "Basic.Return", content: true},
	BasicDeliver:      {name: "Basic.Deliver", content: true},
	BasicGet:          {name: "Basic.Get", synchronous: true},
	BasicGetOk:        {name: "Basic.GetOk", content: true},
	BasicGetEmpty:     {name: "Basic.GetEmpty"},
	BasicAck:          {name: "Basic.Ack"},
	BasicReject:       {name: "Basic.Reject"},
	BasicRecoverAsync: {name: "Basic.RecoverAsync"},
	BasicRecover:      {name: "Basic.Recover", synchronous: true},
	BasicRecoverOk:    {name: "Basic.RecoverOk"},
	BasicNack:         {name: "Basic.Nack"},

	ConfirmSelect:   {name: "Confirm.Select", synchronous: true},
	ConfirmSelectOk: {name: "Confirm.SelectOk"},

	TxSelect:     {name: "Tx.Select", synchronous: true},
	TxSelectOk:   {name: "Tx.SelectOk"},
	TxCommit:     {name: "Tx.Commit", synchronous: true},
	TxCommitOk:   {name: "Tx.CommitOk"},
	TxRollback:   {name: "Tx.Rollback", synchronous: true},
	TxRollbackOk: {name: "Tx.RollbackOk"},
}

// Known reports whether the verb appears in the protocol table.
func (v Verb) Known() bool {
	_, ok := verbTable[v]
	return ok
}

// Synchronous reports whether the verb opens a synchronous request/reply
// exchange, i.e. the channel must observe a reply before sending another
// synchronous method.
func (v Verb) Synchronous() bool {
	return verbTable[v].synchronous
}

// CarriesContent reports whether the verb is followed on the wire by a
// content header frame and body frames.
func (v Verb) CarriesContent() bool {
	return verbTable[v].content
}

// String returns the protocol name of the verb, e.g. "Basic.Consume".
func (v Verb) String() string {
	if info, ok := verbTable[v]; ok {
		return info.name
	}
	return fmt.Sprintf("Unknown(%d.%d)", v.ClassID(), v.MethodID())
}
