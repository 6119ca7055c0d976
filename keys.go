package mailbox

// Backing-store key layout. Every key the core writes is built here so the
// hard-delete and cleanup paths can enumerate what belongs to a mailbox or
// participant.
const (
	keyMailboxMeta    = "mbx:meta:"  // + mailbox name -> mailbox metadata record
	keyMailboxSeq     = "mbx:seq:"   // + mailbox name -> sorted message ids by created-at
	keyMailboxAll     = "mbx:all"    // set of active mailbox names
	keyMessage        = "msg:"       // + message id -> message record
	keyTopicSeq       = "top:seq:"   // + topic name -> sorted message ids by created-at
	keyTopicAll       = "top:all"    // set of topic names that have a log
	keyOfflineSeq     = "off:q:"     // + participant -> sorted queued message ids
	keyOfflineMailbox = "off:mq:"    // + mailbox name -> sorted undelivered message ids
	keyOfflineEntry   = "off:ent:"   // + queue key + ":" + message id -> queue entry record (TTL)
	keyOfflineAll     = "off:all"    // set of offline queue keys with entries
	keyReadLast       = "read:last:" // + participant -> unix-nano of most recent read
	keyReadSet        = "read:set:"  // + participant + ":" + mailbox -> set of read message ids
	keyReadIndex      = "read:idx:"  // + participant -> sorted "mailbox|id" by read-at
	keySubscription   = "sub:rec:"   // + subscription id -> subscription record
	keySubIndex       = "sub:idx:"   // + participant -> set of subscription ids
	keySubAll         = "sub:all"    // set of participants with persisted subscriptions
	keyToken          = "tok:"       // + token value -> session record (TTL)
	keyCounter        = "ctr:"       // + counter name -> atomic counter
	channelDeliver    = "deliver."   // + target -> cross-process delivery channel
)
