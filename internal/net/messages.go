package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	. "matchbook/internal/common"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrMessageTooLong     = errors.New("message too long")
	ErrUsernameTooLong    = errors.New("username too long")
)

// Every message and report travels in a frame: [len u32][payload].
const (
	FrameHeaderLen = 4
	MAX_RECV_SIZE  = 4 * 1024
)

type MessageType uint16

const (
	Heartbeat MessageType = iota
	NewOrder
	QueryBook
	Deposit
)

func (m MessageType) String() string {
	switch m {
	case Heartbeat:
		return "HEARTBEAT"
	case NewOrder:
		return "NEW_ORDER"
	case QueryBook:
		return "QUERY_BOOK"
	case Deposit:
		return "DEPOSIT"
	default:
		return fmt.Sprintf("MessageType(%d)", uint16(m))
	}
}

type ReportMessageType uint8

const (
	ExecutionReport ReportMessageType = iota
	ErrorReport
	AckReport
	QuoteReport
	BalanceReport
	HeartbeatReport
)

type Message interface {
	GetType() MessageType
}

// Message format constants
const (
	BaseMessageHeaderLen     = 2
	NewOrderMessageHeaderLen = 8 + 1 + 8 + 8 + 1
	DepositMessageHeaderLen  = 8 + 1
)

// Generic message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

type NewOrderMessage struct {
	BaseMessage
	OrderID     OrderID  // 8 bytes
	Side        Side     // 1 byte
	Price       Price    // 8 bytes
	Quantity    Quantity // 8 bytes
	UsernameLen uint8    // 1 byte
	Username    string   // n bytes
}

func (o *NewOrderMessage) Order() Order {
	return Order{
		ID:       o.OrderID,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: o.Quantity,
	}
}

type DepositMessage struct {
	BaseMessage
	Amount      int64  // 8 bytes
	UsernameLen uint8  // 1 byte
	Username    string // n bytes
}

func parseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return BaseMessage{}, fmt.Errorf("%w: no header", ErrMessageTooShort)
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	msg = msg[2:]
	switch typeOf {
	case Heartbeat, QueryBook:
		return BaseMessage{TypeOf: typeOf}, nil
	case NewOrder:
		return parseNewOrder(msg)
	case Deposit:
		return parseDeposit(msg)
	default:
		return BaseMessage{}, fmt.Errorf("%w: %d", ErrInvalidMessageType, typeOf)
	}
}

func parseNewOrder(msg []byte) (*NewOrderMessage, error) {
	if len(msg) < NewOrderMessageHeaderLen {
		return nil, fmt.Errorf("%w: new order", ErrMessageTooShort)
	}
	m := &NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}

	m.OrderID = OrderID(binary.BigEndian.Uint64(msg[0:8]))
	m.Side = Side(msg[8])
	m.Price = Price(binary.BigEndian.Uint64(msg[9:17]))
	m.Quantity = Quantity(binary.BigEndian.Uint64(msg[17:25]))
	m.UsernameLen = msg[25]

	// Calculate expected total length.
	expectedTotalLen := NewOrderMessageHeaderLen + int(m.UsernameLen)
	if len(msg) < expectedTotalLen {
		return nil, fmt.Errorf("%w: username", ErrMessageTooShort)
	}
	m.Username = string(msg[26:expectedTotalLen])
	return m, nil
}

func parseDeposit(msg []byte) (*DepositMessage, error) {
	if len(msg) < DepositMessageHeaderLen {
		return nil, fmt.Errorf("%w: deposit", ErrMessageTooShort)
	}
	m := &DepositMessage{BaseMessage: BaseMessage{TypeOf: Deposit}}

	m.Amount = int64(binary.BigEndian.Uint64(msg[0:8]))
	m.UsernameLen = msg[8]

	expectedTotalLen := DepositMessageHeaderLen + int(m.UsernameLen)
	if len(msg) < expectedTotalLen {
		return nil, fmt.Errorf("%w: username", ErrMessageTooShort)
	}
	m.Username = string(msg[9:expectedTotalLen])
	return m, nil
}

// ---- Client side encoders ----

func frame(payload []byte) []byte {
	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	return buf
}

// EncodeNewOrder builds a framed NewOrder message.
func EncodeNewOrder(order Order, owner string) ([]byte, error) {
	if len(owner) > math.MaxUint8 {
		return nil, ErrUsernameTooLong
	}
	buf := make([]byte, BaseMessageHeaderLen+NewOrderMessageHeaderLen+len(owner))
	binary.BigEndian.PutUint16(buf[0:2], uint16(NewOrder))
	binary.BigEndian.PutUint64(buf[2:10], uint64(order.ID))
	buf[10] = byte(order.Side)
	binary.BigEndian.PutUint64(buf[11:19], uint64(order.Price))
	binary.BigEndian.PutUint64(buf[19:27], uint64(order.Quantity))
	buf[27] = uint8(len(owner))
	copy(buf[28:], owner)
	return frame(buf), nil
}

// EncodeDeposit builds a framed Deposit message.
func EncodeDeposit(amount int64, owner string) ([]byte, error) {
	if len(owner) > math.MaxUint8 {
		return nil, ErrUsernameTooLong
	}
	buf := make([]byte, BaseMessageHeaderLen+DepositMessageHeaderLen+len(owner))
	binary.BigEndian.PutUint16(buf[0:2], uint16(Deposit))
	binary.BigEndian.PutUint64(buf[2:10], uint64(amount))
	buf[10] = uint8(len(owner))
	copy(buf[11:], owner)
	return frame(buf), nil
}

// EncodeEmpty builds a framed message with no body, such as Heartbeat or
// QueryBook.
func EncodeEmpty(typeOf MessageType) []byte {
	buf := make([]byte, BaseMessageHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(typeOf))
	return frame(buf)
}

// readFrame reads one length prefixed payload.
func readFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, FrameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > MAX_RECV_SIZE {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLong, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ---- Reports ----

type Report struct {
	MessageType     ReportMessageType // 1 byte
	Side            Side              // 1 byte
	Timestamp       uint64            // 8 bytes
	OrderID         OrderID           // 8 bytes
	CounterOrderID  OrderID           // 8 bytes
	Price           Price             // 8 bytes
	Quantity        Quantity          // 8 bytes
	ErrStrLen       uint16            // 2 bytes
	CounterpartyLen uint16            // 2 bytes
	Err             string            // n bytes
	Counterparty    string            // n bytes (in this case we show who)
}

const reportFixedHeaderLen = 1 + 1 + 8 + 8 + 8 + 8 + 8 + 2 + 2

// Serialize converts the report to be sent on the wire, framed.
func (r *Report) Serialize() ([]byte, error) {
	if len(r.Err) > math.MaxUint16 || len(r.Counterparty) > math.MaxUint16 {
		return nil, ErrMessageTooLong
	}
	r.ErrStrLen = uint16(len(r.Err))
	r.CounterpartyLen = uint16(len(r.Counterparty))

	buf := make([]byte, reportFixedHeaderLen+len(r.Err)+len(r.Counterparty))
	buf[0] = byte(r.MessageType)
	buf[1] = byte(r.Side)
	binary.BigEndian.PutUint64(buf[2:10], r.Timestamp)
	binary.BigEndian.PutUint64(buf[10:18], uint64(r.OrderID))
	binary.BigEndian.PutUint64(buf[18:26], uint64(r.CounterOrderID))
	binary.BigEndian.PutUint64(buf[26:34], uint64(r.Price))
	binary.BigEndian.PutUint64(buf[34:42], uint64(r.Quantity))
	binary.BigEndian.PutUint16(buf[42:44], r.ErrStrLen)
	binary.BigEndian.PutUint16(buf[44:46], r.CounterpartyLen)

	offset := reportFixedHeaderLen
	copy(buf[offset:], r.Err)
	offset += len(r.Err)
	copy(buf[offset:], r.Counterparty)
	return frame(buf), nil
}

func parseReport(buf []byte) (Report, error) {
	if len(buf) < reportFixedHeaderLen {
		return Report{}, fmt.Errorf("%w: report", ErrMessageTooShort)
	}
	r := Report{
		MessageType:     ReportMessageType(buf[0]),
		Side:            Side(buf[1]),
		Timestamp:       binary.BigEndian.Uint64(buf[2:10]),
		OrderID:         OrderID(binary.BigEndian.Uint64(buf[10:18])),
		CounterOrderID:  OrderID(binary.BigEndian.Uint64(buf[18:26])),
		Price:           Price(binary.BigEndian.Uint64(buf[26:34])),
		Quantity:        Quantity(binary.BigEndian.Uint64(buf[34:42])),
		ErrStrLen:       binary.BigEndian.Uint16(buf[42:44]),
		CounterpartyLen: binary.BigEndian.Uint16(buf[44:46]),
	}

	offset := reportFixedHeaderLen
	if len(buf) < offset+int(r.ErrStrLen)+int(r.CounterpartyLen) {
		return Report{}, fmt.Errorf("%w: report strings", ErrMessageTooShort)
	}
	r.Err = string(buf[offset : offset+int(r.ErrStrLen)])
	offset += int(r.ErrStrLen)
	r.Counterparty = string(buf[offset : offset+int(r.CounterpartyLen)])
	return r, nil
}

// ReportReader decodes framed reports from a server connection.
type ReportReader struct {
	r *bufio.Reader
}

func NewReportReader(r io.Reader) *ReportReader {
	return &ReportReader{r: bufio.NewReader(r)}
}

func (rr *ReportReader) Next() (Report, error) {
	payload, err := readFrame(rr.r)
	if err != nil {
		return Report{}, err
	}
	return parseReport(payload)
}

// executionReports generates both trade reports, each addressed to one side
// of the trade and naming the other as counterparty.
func executionReports(exec Execution) (buyer, seller Report) {
	ts := uint64(exec.Timestamp.UnixNano())
	buyer = Report{
		MessageType:    ExecutionReport,
		Side:           Buy,
		Timestamp:      ts,
		OrderID:        exec.Trade.BuyID,
		CounterOrderID: exec.Trade.SellID,
		Price:          exec.Trade.Price,
		Quantity:       exec.Trade.Quantity,
		Counterparty:   exec.SellOwner,
	}
	seller = Report{
		MessageType:    ExecutionReport,
		Side:           Sell,
		Timestamp:      ts,
		OrderID:        exec.Trade.SellID,
		CounterOrderID: exec.Trade.BuyID,
		Price:          exec.Trade.Price,
		Quantity:       exec.Trade.Quantity,
		Counterparty:   exec.BuyOwner,
	}
	return buyer, seller
}

func errorReport(orderID OrderID, err error, ts uint64) Report {
	return Report{
		MessageType: ErrorReport,
		Timestamp:   ts,
		OrderID:     orderID,
		Err:         err.Error(),
	}
}
